// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"

	"github.com/Query-farm/radio-rpc/radiorpc"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// SumInputSchema is the body of a CodeArrowSum request.
var SumInputSchema = arrow.NewSchema([]arrow.Field{
	{Name: "value", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// SumOutputSchema is the body of a CodeArrowSum response.
var SumOutputSchema = arrow.NewSchema([]arrow.Field{
	{Name: "sum", Type: arrow.PrimitiveTypes.Int64},
	{Name: "count", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// SumResult is the decoded CodeArrowSum response.
type SumResult struct {
	Sum   int64
	Count int64
}

// WriteSumRequest encodes values as a CodeArrowSum request body.
func WriteSumRequest(p *radiorpc.Payload, values []int64) error {
	mem := memory.NewGoAllocator()
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.AppendValues(values, nil)
	col := b.NewArray()
	defer col.Release()

	rec := array.NewRecord(SumInputSchema, []arrow.Array{col}, int64(len(values)))
	defer rec.Release()
	return radiorpc.WriteRecord(p, rec)
}

// ReadSumResult decodes a CodeArrowSum response body.
func ReadSumResult(body []byte) (SumResult, error) {
	rec, err := radiorpc.ReadRecord(body)
	if err != nil {
		return SumResult{}, err
	}
	defer rec.Release()
	if rec.NumCols() != 2 || rec.NumRows() != 1 {
		return SumResult{}, fmt.Errorf("unexpected sum result shape %dx%d", rec.NumRows(), rec.NumCols())
	}
	sum, ok1 := rec.Column(0).(*array.Int64)
	count, ok2 := rec.Column(1).(*array.Int64)
	if !ok1 || !ok2 {
		return SumResult{}, fmt.Errorf("unexpected sum result schema %s", rec.Schema())
	}
	return SumResult{Sum: sum.Value(0), Count: count.Value(0)}, nil
}

func encodeSumResult(code uint32, res SumResult) ([]byte, error) {
	mem := memory.NewGoAllocator()
	sum := array.NewInt64Builder(mem)
	defer sum.Release()
	count := array.NewInt64Builder(mem)
	defer count.Release()
	sum.Append(res.Sum)
	count.Append(res.Count)

	cols := []arrow.Array{sum.NewArray(), count.NewArray()}
	defer cols[0].Release()
	defer cols[1].Release()

	rec := array.NewRecord(SumOutputSchema, cols, 1)
	defer rec.Release()

	p := radiorpc.NewPayload(code)
	if err := radiorpc.WriteRecord(p, rec); err != nil {
		return nil, err
	}
	return p.Body(), nil
}
