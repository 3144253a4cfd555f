// The Redis port exposes the relation repository over RESP, so any Redis client can look up relations:
//
//	CITATIONS <doi>                          entries citing <doi>, fetched when missing or stale
//	REFERENCES <doi>                         entries cited by <doi>, fetched when missing or stale
//	REFRESH CITATIONS|REFERENCES <doi>       fetch regardless of the cache
//	EXISTS CITATIONS|REFERENCES <doi>        1 if relations are cached
//	STALE CITATIONS|REFERENCES <doi>         1 if the next lookup would fetch
//	KEYS <glob>                              stored keys of both directions
//
// Entries are written as arrays of alternating field names and values.

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nobletooth/relcache/pkg/entry"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper case.
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool       // Closes the connection if true.
	err             *string    // Error to return if set.
	writeInt        *int       // Writes an integer value if set.
	writeString     string     // Writes a string value if set.
	writeBulks      []string   // Writes an array of bulk strings if non-nil.
	writeEntries    [][]string // Writes an array of field/value arrays if non-nil.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisBool(b bool) redisOutput {
	if b {
		return writeRedisInt(1)
	}
	return writeRedisInt(0)
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulks(bulks []string) redisOutput {
	if bulks == nil {
		bulks = []string{}
	}
	return redisOutput{writeBulks: bulks}
}

func writeRedisEntries(entries []entry.Entry) redisOutput {
	encoded := make([][]string, len(entries))
	for i, e := range entries {
		encoded[i] = entryToFields(e)
	}
	return redisOutput{writeEntries: encoded}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

// entryToFields flattens an entry into alternating names and values, fields in lexical order.
func entryToFields(e entry.Entry) []string {
	fields := make([]string, 0, 4+2*len(e.Fields))
	fields = append(fields, "entrytype", e.Type)
	if e.CitationKey != "" {
		fields = append(fields, "citationkey", e.CitationKey)
	}
	for _, field := range e.SortedFields() {
		fields = append(fields, string(field), e.Fields[field])
	}
	return fields
}

func wrongArity(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

type redisHandler struct {
	ctx     context.Context // Bounds the lookups of every command.
	backend *RelationBackend
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(ctx context.Context, backend *RelationBackend) (*redisHandler, error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	return &redisHandler{ctx: ctx, backend: backend}, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "CITATIONS", "REFERENCES":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		direction, _ := entry.ParseDirection(strings.ToLower(cmd.command))
		return rh.relations(direction, cmd.args[0], false /*force*/)
	case "REFRESH", "EXISTS", "STALE":
		if len(cmd.args) != 2 {
			return wrongArity(cmd.command)
		}
		direction, err := entry.ParseDirection(strings.ToLower(cmd.args[0]))
		if err != nil {
			return writeRedisError(err)
		}
		switch doi := cmd.args[1]; cmd.command {
		case "REFRESH":
			return rh.relations(direction, doi, true /*force*/)
		case "EXISTS":
			exists, err := rh.backend.Exists(direction, doi)
			if err != nil {
				return writeRedisError(err)
			}
			return writeRedisBool(exists)
		default:
			stale, err := rh.backend.Stale(direction, doi)
			if err != nil {
				return writeRedisError(err)
			}
			return writeRedisBool(stale)
		}
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := rh.backend.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisBulks(keys)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

func (rh *redisHandler) relations(direction entry.Direction, doi string, force bool) redisOutput {
	relations, err := rh.backend.Relations(rh.ctx, direction, doi, force)
	if err != nil {
		slog.Warn("Failed to serve relations.", "direction", direction, "doi", doi, "error", err)
		return writeRedisError(err)
	}
	return writeRedisEntries(relations)
}

// write sends `output` to the client.
func (output redisOutput) write(conn redcon.Conn) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulks != nil:
		conn.WriteArray(len(output.writeBulks))
		for _, bulk := range output.writeBulks {
			conn.WriteBulkString(bulk)
		}
	case output.writeEntries != nil:
		conn.WriteArray(len(output.writeEntries))
		for _, fields := range output.writeEntries {
			conn.WriteArray(len(fields))
			for _, field := range fields {
				conn.WriteBulkString(field)
			}
		}
	default:
		conn.WriteString(output.writeString)
	}
}

// RunRedisServer serves `backend` over the Redis protocol until `ctx` is done.
func RunRedisServer(ctx context.Context, backend *RelationBackend) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := newRedisHandler(ctx, backend)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := redisHandler.handle(command)
			output.write(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving relations over the Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close the redis server: %w", err)
		}
	case err := <-serverErrSignal:
		if err == nil {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
