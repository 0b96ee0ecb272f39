package aggassert_test

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/iwysiu/aggverify/aggassert"
	"github.com/iwysiu/aggverify/internal/testutil/assert"
	"github.com/iwysiu/aggverify/mtest"
)

const unrecognizedStageErrCode int32 = 40324

func TestExpressionEvaluation(t *testing.T) {
	mt := mtest.New(t)

	mt.Run("literal", func(mt *mtest.T) {
		aggassert.TestExpression(mt, bson.D{{Key: "$literal", Value: "abc"}}, "abc")
	})
	mt.Run("arithmetic", func(mt *mtest.T) {
		aggassert.TestExpression(mt, bson.D{{Key: "$add", Value: bson.A{int32(2), int32(3)}}}, int32(5))
	})
	mt.Run("string concat", func(mt *mtest.T) {
		aggassert.TestExpression(mt, bson.D{{Key: "$concat", Value: bson.A{"foo", "bar"}}}, "foobar")
	})
	mt.Run("array output", func(mt *mtest.T) {
		aggassert.TestExpression(mt,
			bson.D{{Key: "$map", Value: bson.D{
				{Key: "input", Value: bson.A{int32(1), int32(2)}},
				{Key: "as", Value: "n"},
				{Key: "in", Value: bson.D{{Key: "$multiply", Value: bson.A{"$$n", int32(10)}}}},
			}}},
			bson.A{int32(10), int32(20)},
		)
	})
	mt.Run("aggregate is monitored", func(mt *mtest.T) {
		assert.True(mt, mt.ConnString() != "", "expected a non-empty connection string")

		mt.ClearEvents()
		aggassert.TestExpression(mt, bson.D{{Key: "$literal", Value: int32(1)}}, int32(1))

		var sawStarted bool
		for evt := mt.GetStartedEvent(); evt != nil; evt = mt.GetStartedEvent() {
			if evt.CommandName == "aggregate" {
				sawStarted = true
			}
		}
		assert.True(mt, sawStarted, "expected an aggregate started event to be monitored")

		var sawSucceeded bool
		for evt := mt.GetSucceededEvent(); evt != nil; evt = mt.GetSucceededEvent() {
			if evt.CommandName == "aggregate" {
				sawSucceeded = true
			}
		}
		assert.True(mt, sawSucceeded, "expected an aggregate succeeded event to be monitored")
	})
}

func TestExpressionWithCollation(t *testing.T) {
	mt := mtest.New(t)

	mt.Run("case-insensitive equality", func(mt *mtest.T) {
		collation := &options.Collation{Locale: "en_US", Strength: 1}
		aggassert.TestExpressionWithCollation(mt, bson.D{{Key: "$eq", Value: bson.A{"foo", "FOO"}}}, true, collation)
	})
	mt.Run("default collation is case-sensitive", func(mt *mtest.T) {
		aggassert.TestExpression(mt, bson.D{{Key: "$eq", Value: bson.A{"foo", "FOO"}}}, false)
	})
}

func TestErrorCodeAssertions(t *testing.T) {
	mt := mtest.New(t)

	mt.Run("unrecognized stage", func(mt *mtest.T) {
		mt.ClearEvents()
		pipeline := mongo.Pipeline{{{Key: "$unknownStage", Value: bson.D{}}}}
		aggassert.AssertErrorCode(mt, pipeline, unrecognizedStageErrCode)

		var sawFailed bool
		for evt := mt.GetFailedEvent(); evt != nil; evt = mt.GetFailedEvent() {
			if evt.CommandName == "aggregate" {
				sawFailed = true
			}
		}
		assert.True(mt, sawFailed, "expected an aggregate failed event to be monitored")
	})
	mt.Run("message substring", func(mt *mtest.T) {
		pipeline := mongo.Pipeline{{{Key: "$unknownStage", Value: bson.D{}}}}
		aggassert.AssertErrMsgContains(mt, pipeline, unrecognizedStageErrCode, "$unknownStage")
	})
}

func TestResultSetAssertions(t *testing.T) {
	mt := mtest.New(t)

	mt.Run("unordered match", func(mt *mtest.T) {
		mt.ResetCollection(
			bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}},
			bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(8)}},
			bson.D{{Key: "a", Value: int32(2)}, {Key: "b", Value: int32(3)}},
		)

		pipeline := mongo.Pipeline{
			{{Key: "$match", Value: bson.D{{Key: "a", Value: int32(1)}}}},
			{{Key: "$project", Value: bson.D{{Key: "_id", Value: int32(0)}}}},
		}
		cursor, err := mt.Coll.Aggregate(mtest.Background, pipeline)
		assert.Nil(mt, err, "error running aggregate: %v", err)

		// expected order deliberately differs from the $match output order
		aggassert.AssertResultsEq(mt, cursor, []bson.D{
			{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(8)}},
			{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}},
		})
	})
	mt.Run("identifiers ignored", func(mt *mtest.T) {
		mt.ResetCollection(
			bson.D{{Key: "_id", Value: int32(10)}, {Key: "a", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(20)}, {Key: "a", Value: int32(2)}},
		)

		cursor, err := mt.Coll.Aggregate(mtest.Background, mongo.Pipeline{})
		assert.Nil(mt, err, "error running aggregate: %v", err)

		aggassert.AssertResultsEq(mt, cursor, []bson.D{
			{{Key: "_id", Value: int32(99)}, {Key: "a", Value: int32(2)}},
			{{Key: "_id", Value: int32(98)}, {Key: "a", Value: int32(1)}},
		})
	})
	mt.Run("ordered match", func(mt *mtest.T) {
		mt.ResetCollection(
			bson.D{{Key: "a", Value: int32(2)}},
			bson.D{{Key: "a", Value: int32(1)}},
		)

		pipeline := mongo.Pipeline{
			{{Key: "$sort", Value: bson.D{{Key: "a", Value: int32(1)}}}},
			{{Key: "$project", Value: bson.D{{Key: "_id", Value: int32(0)}}}},
		}
		cursor, err := mt.Coll.Aggregate(mtest.Background, pipeline)
		assert.Nil(mt, err, "error running aggregate: %v", err)

		aggassert.AssertOrderedResultsEq(mt, cursor, []bson.D{
			{{Key: "a", Value: int32(1)}},
			{{Key: "a", Value: int32(2)}},
		})
	})
}
