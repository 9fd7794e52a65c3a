package transform

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
)

// JqTransform creates a RecordTransformFunc that replaces the payload with
// the output of a jq query. The query sees the payload as input and the
// variables $item, $key and $mode.
//
// A query with no output drops the record; several outputs are collected
// into an array. A runtime error is logged and the record passes through
// unchanged.
//
//	JqTransform(`{item, price: .fields.last_price}`, logger)
//	JqTransform(`select(.fields.qty != null) | .fields.qty | tonumber`, logger)
func JqTransform(jqQuery string, logger *zap.Logger) (RecordTransformFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$item", "$key", "$mode"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	return func(rec *Record) (*Record, bool) {
		iter := code.RunWithContext(context.Background(), rec.Payload, rec.Item, rec.Key, string(rec.Mode))

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, ok := result.(error); ok {
				logger.Error("JQ transform: JQ execution error",
					zap.String("jq_query", jqQuery),
					zap.String("item", rec.Item),
					zap.Error(execErr))
				return rec, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		out := *rec
		if len(results) == 1 {
			out.Payload = results[0]
		} else {
			out.Payload = results
		}
		return &out, true
	}, nil
}
