// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command spicectl is an interactive client for a running spiced server: a
// line-oriented shell that issues control-plane requests and prints their
// results.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/team-worm/spice-sub000/internal/typedvalue"
)

var addr string

var rootCmd = &cobra.Command{
	Use:   "spicectl",
	Short: "Interactive shell for a running spiced server",
	RunE:  runShell,
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "http://localhost:4747", "spiced control-plane base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	rl, err := readline.New("spice> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	client := &client{base: strings.TrimRight(addr, "/")}

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := dispatch(client, line); err != nil {
			fmt.Println("error:", err)
		}
	}
}

type client struct {
	base string
	http http.Client
}

// get and post return the decoded JSON body, which may be an object (most
// endpoints) or an array (the Trace record list from /call and /trace).
func (c *client) get(path string, query url.Values) (interface{}, error) {
	u := c.base + path
	if query != nil {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, err
	}
	return decodeReply(resp)
}

func (c *client) post(path string, body interface{}) (interface{}, error) {
	buf := new(bytes.Buffer)
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Post(c.base+path, "application/json", buf)
	if err != nil {
		return nil, err
	}
	return decodeReply(resp)
}

func decodeReply(resp *http.Response) (interface{}, error) {
	defer resp.Body.Close()
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil && err != io.EOF {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		if obj, ok := v.(map[string]interface{}); ok {
			if msg, ok := obj["error"].(string); ok {
				return nil, fmt.Errorf("%s", msg)
			}
		}
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	return v, nil
}

func printReply(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}

func dispatch(c *client, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "functions":
		v, err := c.get("/functions", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "describe":
		if len(fields) < 2 {
			return fmt.Errorf("usage: describe <name>")
		}
		v, err := c.get("/functions/describe", url.Values{"name": {fields[1]}})
		if err != nil {
			return err
		}
		printReply(v)
	case "break":
		if len(fields) < 2 {
			return fmt.Errorf("usage: break <addr>")
		}
		v, err := c.get("/breakpoints/set", url.Values{"addr": {fields[1]}})
		if err != nil {
			return err
		}
		printReply(v)
	case "clear":
		if len(fields) < 2 {
			return fmt.Errorf("usage: clear <addr>")
		}
		v, err := c.get("/breakpoints/clear", url.Values{"addr": {fields[1]}})
		if err != nil {
			return err
		}
		printReply(v)
	case "breakpoints":
		v, err := c.get("/breakpoints", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "continue":
		v, err := c.post("/continue", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "call":
		if len(fields) < 2 {
			return fmt.Errorf("usage: call <addr> [offset=value ...]")
		}
		addrVal, err := strconv.ParseUint(fields[1], 0, 64)
		if err != nil {
			return err
		}
		args := make(map[string]typedvalue.StructuredValueJSON)
		for _, kv := range fields[2:] {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("malformed argument %q, want offset=value", kv)
			}
			n, err := strconv.ParseInt(parts[1], 0, 64)
			if err != nil {
				return fmt.Errorf("argument %q: %w", kv, err)
			}
			args[parts[0]] = typedvalue.IntValue(n).ToJSON()
		}
		v, err := c.post("/call", map[string]interface{}{"address": addrVal, "args": args})
		if err != nil {
			return err
		}
		printReply(v)
	case "trace":
		v, err := c.post("/trace", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "stop":
		v, err := c.post("/stop", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "quit":
		v, err := c.post("/quit", nil)
		if err != nil {
			return err
		}
		printReply(v)
	case "help":
		fmt.Println("functions | describe <name> | break <addr> | clear <addr> | breakpoints | continue | call <addr> [offset=value ...] | trace | stop | quit")
	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	return nil
}
