// Command hlogsrv is a thin RESP wrapper over hlogstore.Store: SET, GET,
// DEL, and PING only. It exists to give the core a runnable demonstration
// surface; wire protocol servers are out of scope for the core itself
// (SPEC_FULL.md §1).
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"

	"github.com/tidwall/redcon"

	"hlogstore"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6380", "listen address")
	dir := flag.String("dir", "./hlogstore-data", "storage path")
	flag.Parse()

	opts := hlogstore.DefaultOptions(*dir)
	store, err := hlogstore.Open(opts)
	if err != nil {
		log.Fatalf("hlogsrv: open store: %v", err)
	}
	defer store.Close()

	srv := redcon.NewServer(*addr, makeHandler(store), acceptAlways, func(redcon.Conn, error) {})
	log.Printf("hlogsrv listening on %s (data: %s)", *addr, *dir)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("hlogsrv: serve: %v", err)
	}
}

func acceptAlways(conn redcon.Conn) bool { return true }

func makeHandler(store *hlogstore.Store) func(redcon.Conn, redcon.Command) {
	ctx := context.Background()
	return func(conn redcon.Conn, cmd redcon.Command) {
		if len(cmd.Args) == 0 {
			conn.WriteError("ERR empty command")
			return
		}
		switch strings.ToLower(string(cmd.Args[0])) {
		case "ping":
			conn.WriteString("PONG")
		case "set":
			if len(cmd.Args) != 3 {
				conn.WriteError("ERR usage: SET key value")
				return
			}
			if err := store.Upsert(ctx, cmd.Args[1], cmd.Args[2]); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			conn.WriteString("OK")
		case "get":
			if len(cmd.Args) != 2 {
				conn.WriteError("ERR usage: GET key")
				return
			}
			value, err := store.Read(ctx, cmd.Args[1])
			if errors.Is(err, hlogstore.ErrKeyNotFound) {
				conn.WriteNull()
				return
			}
			if err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			conn.WriteBulk(value)
		case "del":
			if len(cmd.Args) != 2 {
				conn.WriteError("ERR usage: DEL key")
				return
			}
			if err := store.Delete(ctx, cmd.Args[1]); err != nil {
				conn.WriteError("ERR " + err.Error())
				return
			}
			conn.WriteInt(1)
		default:
			conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
		}
	}
}
