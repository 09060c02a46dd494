// Command neurareport is the operator-facing CLI: submit/inspect report
// jobs and manage schedules against the same state store the HTTP surface
// (out of scope for this repository) would otherwise front. Built on
// cobra's Command tree per the corpus's CLI idiom (hashmap-kz-katomik's
// NewRootCmd factory), replacing kilroy's hand-rolled os.Args switch.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
