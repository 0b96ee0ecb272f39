// Package aggassert provides assertions over aggregation pipelines run against a live
// collection: evaluating a single expression and checking its output, and running a
// pipeline expected to fail with a particular server error code.
package aggassert

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iwysiu/aggverify/bsoneq"
	"github.com/iwysiu/aggverify/internal/testutil/assert"
	"github.com/iwysiu/aggverify/mtest"
)

// outputField is the projected field TestExpression reads the evaluated expression from.
const outputField = "output"

// TestExpression replaces the test collection's contents with a single empty document,
// evaluates expr via a $project stage, and asserts that the single result's output field
// deep-equals expected. The expected value must use the types the driver decodes to (e.g.
// int32 for a server int).
func TestExpression(mt *mtest.T, expr, expected interface{}) {
	mt.Helper()
	TestExpressionWithCollation(mt, expr, expected, nil)
}

// TestExpressionWithCollation is TestExpression with the aggregation run under the given
// collation. A nil collation runs the pipeline without one.
func TestExpressionWithCollation(mt *mtest.T, expr, expected interface{}, collation *options.Collation) {
	mt.Helper()

	mt.ResetCollection(bson.D{})

	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.D{{Key: "_id", Value: int32(0)}, {Key: outputField, Value: expr}}}},
	}
	opts := options.Aggregate()
	if collation != nil {
		opts.SetCollation(collation)
	}

	cursor, err := mt.Coll.Aggregate(mtest.Background, pipeline, opts)
	assert.Nil(mt, err, "error evaluating expression %v: %v", expr, err)

	var results []bson.D
	err = cursor.All(mtest.Background, &results)
	assert.Nil(mt, err, "error draining cursor: %v", err)
	assert.Equal(mt, 1, len(results), "expected exactly one result document but received %d", len(results))

	actual, ok := lookup(results[0], outputField)
	assert.True(mt, ok, "result document %v has no %q field", results[0], outputField)
	assert.Equal(mt, expected, actual, "expected %v to evaluate to %v but received %v", expr, expected, actual)
}

// AssertErrorCode runs pipeline and asserts that it fails with a server error carrying the
// given code. The error may surface either when the aggregate is dispatched or while the
// cursor is iterated.
func AssertErrorCode(mt *mtest.T, pipeline interface{}, code int32, msgAndArgs ...interface{}) {
	mt.Helper()

	err := aggregateErr(mt, pipeline)
	assert.NotNil(mt, err, "expected pipeline %v to fail with code %d but it succeeded", pipeline, code)

	var srvErr mongo.ServerError
	if !errors.As(err, &srvErr) {
		mt.Fatalf("expected a server error from pipeline %v but received %v (%T)", pipeline, err, err)
	}
	if len(msgAndArgs) == 0 {
		msgAndArgs = []interface{}{"expected pipeline %v to fail with code %d but received %v", pipeline, code, err}
	}
	assert.True(mt, srvErr.HasErrorCode(int(code)), msgAndArgs...)
}

// AssertErrMsgContains runs pipeline and asserts that it fails with the given server error
// code and that the error message contains substr.
func AssertErrMsgContains(mt *mtest.T, pipeline interface{}, code int32, substr string) {
	mt.Helper()

	err := aggregateErr(mt, pipeline)
	assert.NotNil(mt, err, "expected pipeline %v to fail with code %d but it succeeded", pipeline, code)

	var srvErr mongo.ServerError
	if !errors.As(err, &srvErr) {
		mt.Fatalf("expected a server error from pipeline %v but received %v (%T)", pipeline, err, err)
	}
	assert.True(mt, srvErr.HasErrorCode(int(code)),
		"expected pipeline %v to fail with code %d but received %v", pipeline, code, err)
	assert.ErrMsgContains(mt, err, substr)
}

// AssertResultsEq drains cursor and asserts that its documents equal expected as an
// unordered, identifier-insensitive multiset.
func AssertResultsEq(mt *mtest.T, cursor *mongo.Cursor, expected []bson.D) {
	mt.Helper()

	var actual []bson.D
	err := cursor.All(mtest.Background, &actual)
	assert.Nil(mt, err, "error draining cursor: %v", err)
	assert.True(mt, bsoneq.ResultsEq(actual, expected, mt),
		"result sets differ: received %v, expected %v", actual, expected)
}

// AssertOrderedResultsEq drains cursor and asserts that its documents equal expected
// position by position.
func AssertOrderedResultsEq(mt *mtest.T, cursor *mongo.Cursor, expected []bson.D) {
	mt.Helper()

	var actual []bson.D
	err := cursor.All(mtest.Background, &actual)
	assert.Nil(mt, err, "error draining cursor: %v", err)
	assert.True(mt, bsoneq.OrderedArrayEq(actual, expected, mt),
		"result sequences differ: received %v, expected %v", actual, expected)
}

// aggregateErr runs pipeline on the test collection and returns the first error it
// produces, exhausting the cursor if the dispatch succeeds.
func aggregateErr(mt *mtest.T, pipeline interface{}) error {
	cursor, err := mt.Coll.Aggregate(mtest.Background, pipeline)
	if err != nil {
		return err
	}
	defer cursor.Close(mtest.Background)
	for cursor.Next(mtest.Background) {
	}
	return cursor.Err()
}

func lookup(doc bson.D, key string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
