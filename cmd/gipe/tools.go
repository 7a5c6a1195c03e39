// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicchain/gipe/grievance"
	"github.com/civicchain/gipe/notary"
	"github.com/civicchain/gipe/priority"
)

var errMismatch = errors.New("content does not match the expected digest")

func hashCommand() *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   "hash <content.json|->",
		Short: "Print the content hash of a grievance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runHash(cmd.OutOrStdout(), in, expect)
		},
	}
	cmd.Flags().StringVar(&expect, "verify", "", "compare against this digest instead of printing it")
	return cmd
}

// runHash reads grievance content as JSON and prints its digest, or the
// verification status when expect is set
func runHash(w io.Writer, r io.Reader, expect string) error {
	var content grievance.Content
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&content); err != nil {
		return fmt.Errorf("failed to decode content: %w", err)
	}
	canonical := notary.Canonical(content)
	if expect == "" {
		_, err := fmt.Fprintln(w, notary.ComputeHash(canonical))
		return err
	}
	res := notary.Verify(expect, canonical)
	if _, err := fmt.Fprintf(w, "%s %s\n", res.Status, res.Computed); err != nil {
		return err
	}
	switch res.Status {
	case notary.StatusError:
		return res.Err
	case notary.StatusMismatch:
		return errMismatch
	}
	return nil
}

type scoreParams struct {
	category string
	severity int
	upvotes  int
	age      time.Duration
}

func scoreCommand() *cobra.Command {
	var params scoreParams
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Print the priority breakdown for the given inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.OutOrStdout(), params, time.Now().UTC())
		},
	}
	cmd.Flags().StringVar(&params.category, "category", "", "grievance category")
	cmd.Flags().IntVar(&params.severity, "severity", 5, "severity from 1 to 10")
	cmd.Flags().IntVar(&params.upvotes, "upvotes", 0, "number of upvotes")
	cmd.Flags().DurationVar(&params.age, "age", 0, "time since submission")
	return cmd
}

// runScore scores with the default weights
func runScore(w io.Writer, params scoreParams, now time.Time) error {
	scorer := priority.NewScorer(priority.Config{})
	breakdown := scorer.Score(grievance.Grievance{
		Category:  params.category,
		Severity:  params.severity,
		Upvotes:   params.upvotes,
		CreatedAt: now.Add(-params.age),
	}, now)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(breakdown)
}
