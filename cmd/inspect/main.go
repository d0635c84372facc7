package main

// inspect loads a winding table, prints the normalization ranges of every
// row and the first few examples, and converts them into gomlx tensors.
//
// Usage:
//   go run ./cmd/inspect -table testset_1w_IW.csv -n 4

import (
	"flag"
	"fmt"
	"math"

	"github.com/Noofbiz/racnet/datasets"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	tablePath := flag.String("table", "testset_1w_IW.csv", "winding table to inspect")
	n := flag.Int("n", 4, "number of examples to print")
	flag.Parse()

	ds, err := datasets.LoadWinding(*tablePath, datasets.LoadOptions{})
	if err != nil {
		klog.Fatalf("failed to load winding table: %v", err)
	}
	fmt.Printf("Table: %s\n", *tablePath)
	fmt.Printf("Samples: %d, inputs: %d, outputs: %d\n", ds.Len(), ds.InputDim(), ds.OutputDim())

	fmt.Println("Input ranges (log10):")
	for i := 0; i < ds.InputNorm.Len(); i++ {
		fmt.Printf("  in[%2d]  min=%9.4f max=%9.4f\n", i, ds.InputNorm.Min[i], ds.InputNorm.Max[i])
	}
	fmt.Println("Output ranges (log10):")
	for i := 0; i < ds.OutputNorm.Len(); i++ {
		note := ""
		if ds.OutputNorm.Min[i] <= math.Log10(ds.Floor) {
			note = "  (has not-applicable samples)"
		}
		fmt.Printf("  out[%2d] min=%9.4f max=%9.4f%s\n", i, ds.OutputNorm.Min[i], ds.OutputNorm.Max[i], note)
	}

	k := min(*n, ds.Len())
	if k == 0 {
		return
	}
	indices := make([]int, k)
	for i := range k {
		indices[i] = i
	}
	inputs, labels, err := ds.Batch(indices)
	if err != nil {
		klog.Fatalf("failed to build batch: %v", err)
	}
	flat, err := datasets.MakeBatchFlat(inputs, labels)
	if err != nil {
		klog.Fatalf("failed to flatten batch: %v", err)
	}
	inT, laT, err := flat.ToGomlxTensors()
	if err != nil {
		klog.Fatalf("failed to convert batch to gomlx tensors: %v", err)
	}
	fmt.Printf("Created tensors: input=%s label=%s\n", inT.Shape(), laT.Shape())
	for i := range k {
		fmt.Printf("  example %d input: %v\n", i, inputs[i])
		fmt.Printf("  example %d label: %v\n", i, labels[i])
	}
}
