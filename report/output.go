// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package report // import "go.opentelemetry.io/fpwalk/report"

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"go.opentelemetry.io/fpwalk/callsite"
)

// WriteText writes bt in a debugger like layout:
//
//	* thread #4243 (arm64) 5c1f...
//	    pc        0x400100  app`main+0x10
//	    frame #0  0x400123  app`run+0x3c  fp=0x7ffe0010
//	    stop: end of chain
func WriteText(w io.Writer, bt *Backtrace) error {
	if _, err := fmt.Fprintf(w, "* thread #%d (%s) %s\n", bt.Thread, bt.Arch, bt.ID); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "    pc\t%v\t%v\n", bt.PC, bt.PCClassification)
	for i := range bt.Records {
		rec := &bt.Records[i]
		fmt.Fprintf(tw, "    frame #%d\t%v\t%v\tfp=%v", rec.Ordinal, rec.Address,
			rec.Classification, rec.FramePointer)
		if rec.CallSite != callsite.Unknown {
			fmt.Fprintf(tw, "\t%v", rec.CallSite)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if bt.Err != "" {
		_, err := fmt.Fprintf(w, "    stop: %v (%s)\n", bt.Stop, bt.Err)
		return err
	}
	_, err := fmt.Fprintf(w, "    stop: %v\n", bt.Stop)
	return err
}

// WriteJSON writes bts as an indented JSON array.
func WriteJSON(w io.Writer, bts []Backtrace) error {
	if bts == nil {
		bts = []Backtrace{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(bts)
}
