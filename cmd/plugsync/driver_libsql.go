//go:build libsql

package main

// go-libsql needs cgo; build with -tags libsql to select db.driver=libsql.
import _ "github.com/tursodatabase/go-libsql"
