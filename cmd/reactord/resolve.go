// Copyright (c) 2020 The Reactor Authors. All rights reserved.
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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/webreactor/reactor"
	"github.com/webreactor/reactor/pkg/dns"
)

type resolveOptions struct {
	qtype   string
	server  string
	timeout time.Duration
	lookup  bool
}

var resolveOpts resolveOptions

var resolveCmd = &cobra.Command{
	Use:   "resolve NAME",
	Short: "Query the configured resolver through an event-loop",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := resolve(os.Stdout, args[0], resolveOpts); err != nil {
			fmt.Fprintf(os.Stderr, "reactord: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveOpts.qtype, "type", "A", "Record type: A, AAAA, CNAME, MX, NS, PTR or TXT")
	resolveCmd.Flags().StringVar(&resolveOpts.server, "server", "", "Resolver ip[:port], the system one by default")
	resolveCmd.Flags().DurationVar(&resolveOpts.timeout, "timeout", reactor.DefaultDNSTimeout, "Query timeout")
	resolveCmd.Flags().BoolVar(&resolveOpts.lookup, "lookup", false, "Resolve to a single address, A first then AAAA")
	rootCmd.AddCommand(resolveCmd)
}

// resolve runs a loop until the answer is in, no connection is admitted so Run returns
// as soon as the query connection is gone.
func resolve(w io.Writer, name string, opts resolveOptions) error {
	qtype, err := dns.ParseType(opts.qtype)
	if err != nil {
		return err
	}
	options := []reactor.Option{reactor.WithMaxConnections(0), reactor.WithDNSTimeout(opts.timeout)}
	if opts.server != "" {
		options = append(options, reactor.WithDNSServer(opts.server))
	}
	l, err := reactor.New(options...)
	if err != nil {
		return err
	}
	defer l.Close() //nolint:errcheck

	var result error
	if opts.lookup {
		l.Lookup(name, func(_ *reactor.Loop, addr string, err error) {
			if err != nil {
				result = err
				return
			}
			fmt.Fprintln(w, addr)
		})
	} else {
		err = l.Resolve(name, qtype, func(_ *reactor.Loop, records []dns.Record) {
			if len(records) == 0 {
				fmt.Fprintf(w, "no %s record for %s\n", dns.TypeName(qtype), name)
				return
			}
			for _, rr := range records {
				fmt.Fprintln(w, rr.String())
			}
		})
		if err != nil {
			return err
		}
	}
	if err = l.Run(); err != nil {
		return err
	}
	return result
}
