// Package mtest provides a harness for tests that verify aggregation results against a
// live deployment. It wraps testing.T with per-test clients and collections, skips tests
// whose server-version constraints are not met, and exposes the command monitoring events
// of the underlying client.
package mtest

import (
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

var (
	// Background is a no-op context.
	Background = context.Background()
	// MajorityWc is the majority write concern.
	MajorityWc = writeconcern.Majority()
	// PrimaryRp is the primary read preference.
	PrimaryRp = readpref.Primary()
	// MajorityRc is the majority read concern.
	MajorityRc = readconcern.Majority()
)

const (
	// TestDb is the database all test collections are created in. It is dropped during
	// Teardown.
	TestDb = "aggverify_test"

	namespaceExistsErrCode int32 = 48
)

// testContext holds state shared by every test in the process. It is populated by Setup.
var testContext struct {
	uri           string
	client        *mongo.Client
	serverVersion string
	log           zerolog.Logger
}

// Setup initializes the shared test context from the MONGODB_URI environment variable,
// defaulting to a local deployment. It must be called from TestMain before any tests run.
func Setup() error {
	testContext.uri = os.Getenv("MONGODB_URI")
	if testContext.uri == "" {
		testContext.uri = "mongodb://localhost:27017"
	}
	testContext.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	client, err := mongo.Connect(Background, options.Client().ApplyURI(testContext.uri))
	if err != nil {
		return errors.Wrap(err, "error connecting test client")
	}
	if err := client.Ping(Background, PrimaryRp); err != nil {
		_ = client.Disconnect(Background)
		return errors.Wrapf(err, "error pinging deployment at %q", testContext.uri)
	}
	testContext.client = client

	var buildInfo struct {
		Version string `bson:"version"`
	}
	res := client.Database("admin").RunCommand(Background, bson.D{{Key: "buildInfo", Value: 1}})
	if err := res.Decode(&buildInfo); err != nil {
		return errors.Wrap(err, "error running buildInfo")
	}
	testContext.serverVersion = buildInfo.Version

	testContext.log.Info().
		Str("uri", testContext.uri).
		Str("serverVersion", testContext.serverVersion).
		Msg("test context ready")
	return nil
}

// Teardown drops the test database and disconnects the shared client. It must be called
// from TestMain after all tests have run.
func Teardown() error {
	if testContext.client == nil {
		return nil
	}
	if err := testContext.client.Database(TestDb).Drop(Background); err != nil {
		return errors.Wrap(err, "error dropping test database")
	}
	return errors.Wrap(testContext.client.Disconnect(Background), "error disconnecting test client")
}

// ServerVersion returns the version reported by the deployment's buildInfo command.
func ServerVersion() string {
	return testContext.serverVersion
}

// T is a wrapper around testing.T.
type T struct {
	*testing.T

	// members for only this T instance
	constraints  []RunOnBlock
	collName     string
	clientOpts   *options.ClientOptions
	createdColls []*mongo.Collection

	baseOpts *Options // used to create subtests

	// command monitoring channels
	started   chan *event.CommandStartedEvent
	succeeded chan *event.CommandSucceededEvent
	failed    chan *event.CommandFailedEvent

	Client *mongo.Client
	DB     *mongo.Database
	Coll   *mongo.Collection
}

// New creates a new T instance with the given options. If the deployment does not satisfy
// constraints specified in the options, the test will be skipped automatically.
func New(wrapped *testing.T, opts ...*Options) *T {
	t := &T{
		T: wrapped,
	}
	for _, opt := range opts {
		for _, optFunc := range opt.optFuncs {
			optFunc(t)
		}
	}
	if t.shouldSkip() {
		t.Skip("no matching environmental constraint found")
	}

	// create a set of base options for sub-tests
	t.baseOpts = NewOptions().Constraints(t.constraints...)
	return t
}

// CreateClient creates a monitored client for this test. If no client options were
// configured, default options (majority write concern, majority read concern, and primary
// read preference) will be used. This should be called one time; Run and RunOpts call it
// for each sub-test. The created client is accessible through the t.Client member.
func (t *T) CreateClient() *mongo.Client {
	clientOpts := t.clientOpts
	if clientOpts == nil {
		// default opts
		clientOpts = options.Client().SetWriteConcern(MajorityWc).SetReadPreference(PrimaryRp).SetReadConcern(MajorityRc)
	}
	// command monitor
	t.started = make(chan *event.CommandStartedEvent, 50)
	t.succeeded = make(chan *event.CommandSucceededEvent, 50)
	t.failed = make(chan *event.CommandFailedEvent, 50)
	clientOpts.SetMonitor(&event.CommandMonitor{
		Started: func(_ context.Context, cse *event.CommandStartedEvent) {
			t.started <- cse
		},
		Succeeded: func(_ context.Context, cse *event.CommandSucceededEvent) {
			t.succeeded <- cse
		},
		Failed: func(_ context.Context, cfe *event.CommandFailedEvent) {
			t.failed <- cfe
		},
	})
	clientOpts.ApplyURI(testContext.uri)

	var err error
	t.Client, err = mongo.Connect(Background, clientOpts)
	if err != nil {
		t.Fatalf("error creating test client: %v", err)
	}
	t.DB = t.Client.Database(TestDb)

	return t.Client
}

// Run creates a new T instance for a sub-test and runs the given callback. It also creates
// a new collection using the sub-test's name which is available to the callback through
// the T.Coll variable and is dropped after the callback returns.
func (t *T) Run(name string, callback func(*T)) {
	t.RunOpts(name, NewOptions(), callback)
}

// RunOpts creates a new T instance for a sub-test with the given options. If the
// deployment does not satisfy constraints specified in the options, the new sub-test will
// be skipped automatically. If the test is not skipped, a client and collection are
// created for the sub-test and the callback is run with the new T instance.
func (t *T) RunOpts(name string, opts *Options, callback func(*T)) {
	t.T.Run(name, func(wrapped *testing.T) {
		sub := New(wrapped, t.baseOpts, opts)

		sub.CreateClient()
		collName := sub.collName
		if collName == "" {
			collName = sanitizeCollName(wrapped.Name())
		}
		sub.Coll = sub.CreateCollection(collName)

		defer func() {
			if sub.Client == nil {
				return
			}

			for _, coll := range sub.createdColls {
				_ = coll.Drop(Background)
			}
			_ = sub.Client.Disconnect(Background)
		}()

		callback(sub)
	})
}

// GetStartedEvent returns the most recent CommandStartedEvent, or nil if one is not present.
// This can only be called once per event.
func (t *T) GetStartedEvent() *event.CommandStartedEvent {
	select {
	case e := <-t.started:
		return e
	default:
		return nil
	}
}

// GetSucceededEvent returns the most recent CommandSucceededEvent, or nil if one is not present.
// This can only be called once per event.
func (t *T) GetSucceededEvent() *event.CommandSucceededEvent {
	select {
	case e := <-t.succeeded:
		return e
	default:
		return nil
	}
}

// GetFailedEvent returns the most recent CommandFailedEvent, or nil if one is not present.
// This can only be called once per event.
func (t *T) GetFailedEvent() *event.CommandFailedEvent {
	select {
	case e := <-t.failed:
		return e
	default:
		return nil
	}
}

// ClearEvents clears the existing command monitoring events.
func (t *T) ClearEvents() {
	for len(t.started) > 0 {
		<-t.started
	}
	for len(t.succeeded) > 0 {
		<-t.succeeded
	}
	for len(t.failed) > 0 {
		<-t.failed
	}
}

// CreateCollection creates a new collection with the given name. The collection will be
// dropped after the test finishes running. The function ensures that the collection has
// been created server-side by running the create command, which will appear in command
// monitoring channels. This function should be called after CreateClient.
func (t *T) CreateCollection(name string, opts ...*options.CollectionOptions) *mongo.Collection {
	cmd := bson.D{{Key: "create", Value: name}}
	if err := t.DB.RunCommand(Background, cmd).Err(); err != nil {
		// ignore NamespaceExists errors for idempotency

		cmdErr, ok := err.(mongo.CommandError)
		if !ok || cmdErr.Code != namespaceExistsErrCode {
			t.Fatalf("error creating collection on server: %v", err)
		}
	}

	coll := t.DB.Collection(name, opts...)
	t.createdColls = append(t.createdColls, coll)
	return coll
}

// ResetCollection replaces the contents of the test collection with the given documents.
// Passing no documents leaves the collection empty.
func (t *T) ResetCollection(docs ...interface{}) {
	if _, err := t.Coll.DeleteMany(Background, bson.D{}); err != nil {
		t.Fatalf("error clearing collection: %v", err)
	}
	if len(docs) == 0 {
		return
	}
	if _, err := t.Coll.InsertMany(Background, docs); err != nil {
		t.Fatalf("error seeding collection: %v", err)
	}
}

// ConnString returns the connection string used to create clients for this test.
func (t *T) ConnString() string {
	return testContext.uri
}

// compareVersions compares two version number strings (i.e. positive integers separated by
// periods). Comparisons are done to the lesser precision of the two versions. For example, 3.2 is
// considered equal to 3.2.11, whereas 3.2.0 is considered less than 3.2.11.
//
// Returns a positive int if version1 is greater than version2, a negative int if version1 is less
// than version2, and 0 if version1 is equal to version2.
func compareVersions(v1 string, v2 string) int {
	n1 := strings.Split(v1, ".")
	n2 := strings.Split(v2, ".")

	for i := 0; i < int(math.Min(float64(len(n1)), float64(len(n2)))); i++ {
		i1, err := strconv.Atoi(n1[i])
		if err != nil {
			return 1
		}

		i2, err := strconv.Atoi(n2[i])
		if err != nil {
			return -1
		}

		difference := i1 - i2
		if difference != 0 {
			return difference
		}
	}

	return 0
}

func matchesConstraint(rob RunOnBlock) bool {
	if rob.MinServerVersion != "" && compareVersions(testContext.serverVersion, rob.MinServerVersion) < 0 {
		return false
	}
	if rob.MaxServerVersion != "" && compareVersions(testContext.serverVersion, rob.MaxServerVersion) > 0 {
		return false
	}
	return true
}

func (t *T) shouldSkip() bool {
	// The test can be executed if there are no constraints or at least one constraint matches
	// the current deployment.
	if len(t.constraints) == 0 {
		return false
	}

	for _, constraint := range t.constraints {
		if matchesConstraint(constraint) {
			return false
		}
	}
	// no matching constraints found
	return true
}

func sanitizeCollName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", "$", "_").Replace(name)
}
