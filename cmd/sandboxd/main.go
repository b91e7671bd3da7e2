// Package main is the entry point for sandboxd.
//
// Sandboxd is a multi-tenant broker that runs untrusted Python code in
// per-user Docker sandboxes, exposed over REST and the Model Context
// Protocol.
//
// Usage:
//
//	sandboxd serve             Start the server
//	sandboxd register ...      Register an account against a server
//	sandboxd list              List your sandboxes
//	sandboxd run [code]        Run code in an ephemeral sandbox
package main

import "github.com/akshayaggarwal99/sandboxd/internal/cli"

func main() {
	cli.Execute()
}
