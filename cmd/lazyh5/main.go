// Command lazyh5 inspects HDF5 files and materializes datasets through the
// lazy in-situ loader.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/robert-malhotra/lazyh5/hdf5"
	"github.com/robert-malhotra/lazyh5/insitu"
)

var (
	datasetFlag = flag.String("dataset", "", "bind this dataset lazily and materialize it")
	groupFlag   = flag.String("group", "", "bind every dataset in this group and materialize them")
	verboseFlag = flag.Bool("v", false, "log file open/close events")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: lazyh5 [-dataset path | -group path] [-v] <file.h5>")
		os.Exit(1)
	}
	filename := flag.Arg(0)

	var err error
	switch {
	case *datasetFlag != "":
		err = computeDataset(filename, *datasetFlag)
	case *groupFlag != "":
		err = computeGroup(filename, *groupFlag)
	default:
		err = describe(filename)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newRegistry() *insitu.Registry {
	if !*verboseFlag {
		return insitu.NewRegistry()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return insitu.NewRegistry()
	}
	return insitu.NewRegistry(insitu.WithLogger(log))
}

func computeDataset(filename, datasetPath string) error {
	reg := newRegistry()
	array, err := insitu.FromDataset(filename, datasetPath, insitu.WithRegistry(reg))
	if err != nil {
		return err
	}

	fmt.Printf("%s: shape %v", datasetPath, array.Shape())
	if chunks := array.Chunks(); chunks != nil {
		fmt.Printf(", chunks %v", chunks)
	}
	fmt.Println()

	results, err := insitu.Compute(context.Background(), array)
	if err != nil {
		return err
	}
	printValues(datasetPath, results[0])
	return nil
}

func computeGroup(filename, groupPath string) error {
	reg := newRegistry()
	group, err := insitu.FromGroup(filename, groupPath, insitu.WithRegistry(reg))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(group))
	for name := range group {
		names = append(names, name)
	}
	sort.Strings(names)

	arrays := make([]*insitu.Array, len(names))
	for i, name := range names {
		arrays[i] = group[name]
	}

	results, err := insitu.Compute(context.Background(), arrays...)
	if err != nil {
		return err
	}
	for i, name := range names {
		printValues(name, results[i])
	}
	return nil
}

// printValues prints a short preview of a materialized slice.
func printValues(name string, v interface{}) {
	val := reflect.ValueOf(v)
	n := val.Len()
	preview := n
	if preview > 8 {
		preview = 8
	}
	fmt.Printf("%s: %d elements (%s):", name, n, val.Type().Elem())
	for i := 0; i < preview; i++ {
		fmt.Printf(" %v", val.Index(i).Interface())
	}
	if preview < n {
		fmt.Print(" ...")
	}
	fmt.Println()
}

// describe walks the file printing groups and datasets, without reading any
// dataset values.
func describe(filename string) error {
	f, err := hdf5.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Printf("=== %s (superblock v%d) ===\n", filename, f.Version())
	return hdf5.Walk(f.Root(), func(path string, obj interface{}, err error) error {
		if err != nil {
			fmt.Printf("%s: ERROR: %v\n", path, err)
			return nil
		}
		switch o := obj.(type) {
		case *hdf5.Group:
			fmt.Printf("Group %q (%d attrs)\n", path, len(o.Attrs()))
		case *hdf5.Dataset:
			fmt.Printf("  Dataset %q: shape %v", path, o.Shape())
			if chunks := o.Chunks(); chunks != nil {
				fmt.Printf(", chunks %v", chunks)
			}
			if fields := o.Fields(); fields != nil {
				fmt.Printf(", fields %v", fields)
			}
			fmt.Println()
		}
		return nil
	})
}
