package server

import (
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sanonone/kektorkv/internal/protocol"
	"github.com/sanonone/kektorkv/pkg/core"
	"github.com/sanonone/kektorkv/pkg/engine"
)

// respCommand describes one command of the RESP front end. arity counts the
// name too: n means exactly n words, -n means at least n.
type respCommand struct {
	arity int
	fn    func(s *RESPServer, w *protocol.Writer, name string, args [][]byte)
}

var respCommands map[string]respCommand

func init() {
	respCommands = map[string]respCommand{
		"PING":         {-1, cmdPing},
		"ECHO":         {2, func(_ *RESPServer, w *protocol.Writer, _ string, a [][]byte) { w.WriteBulk(a[0]) }},
		"COMMAND":      {-1, func(_ *RESPServer, w *protocol.Writer, _ string, _ [][]byte) { w.WriteArrayHeader(0) }},
		"GET":          {2, cmdGet},
		"SET":          {-3, cmdSet},
		"SETNX":        {3, cmdSetNX},
		"SETEX":        {4, cmdSetEX},
		"PSETEX":       {4, cmdSetEX},
		"GETSET":       {3, cmdGetSet},
		"GETDEL":       {2, cmdGetDel},
		"GETEX":        {-2, cmdGetEx},
		"MGET":         {-2, cmdMGet},
		"MSET":         {-3, cmdMSet},
		"MSETNX":       {-3, cmdMSet},
		"APPEND":       {3, cmdAppend},
		"SETRANGE":     {4, cmdSetRange},
		"GETRANGE":     {4, cmdGetRange},
		"SUBSTR":       {4, cmdGetRange},
		"STRLEN":       {2, cmdStrLen},
		"INCR":         {2, cmdIncrDecr},
		"DECR":         {2, cmdIncrDecr},
		"INCRBY":       {3, cmdIncrDecr},
		"DECRBY":       {3, cmdIncrDecr},
		"INCRBYFLOAT":  {3, cmdIncrByFloat},
		"DEL":          {-2, cmdDel},
		"EXISTS":       {-2, cmdExists},
		"EXPIRE":       {3, cmdExpire},
		"PEXPIRE":      {3, cmdExpire},
		"EXPIREAT":     {3, cmdExpire},
		"PEXPIREAT":    {3, cmdExpire},
		"PERSIST":      {2, cmdPersist},
		"TTL":          {2, cmdTTL},
		"PTTL":         {2, cmdTTL},
		"DBSIZE":       {1, func(s *RESPServer, w *protocol.Writer, _ string, _ [][]byte) { w.WriteInt(int64(s.Engine.DBSize())) }},
		"SAVE":         {1, cmdSave},
		"BGSAVE":       {1, cmdBackground},
		"BGREWRITEAOF": {1, cmdBackground},
	}
}

// dispatch runs cmd and writes its reply. It reports whether the client
// asked to close the connection.
func (s *RESPServer) dispatch(w *protocol.Writer, cmd *protocol.Command) (quit bool) {
	if cmd.Name == "QUIT" {
		w.WriteSimple("OK")
		return true
	}
	c, ok := respCommands[cmd.Name]
	if !ok {
		w.WriteError("ERR unknown command '" + cmd.Name + "'")
		return false
	}
	n := len(cmd.Args) + 1
	if (c.arity >= 0 && n != c.arity) || (c.arity < 0 && n < -c.arity) {
		w.WriteError("ERR wrong number of arguments for '" + strings.ToLower(cmd.Name) + "' command")
		return false
	}
	c.fn(s, w, cmd.Name, cmd.Args)
	return false
}

// writeError maps an engine error to a RESP error reply.
func writeError(w *protocol.Writer, err error) {
	switch {
	case core.KindOf(err) == core.KindTypeMismatch:
		w.WriteError("WRONGTYPE Operation against a key holding the wrong kind of value")
	case errors.Is(err, engine.ErrSyntax):
		w.WriteError("ERR syntax error")
	case errors.Is(err, engine.ErrInvalidExpire):
		w.WriteError("ERR invalid expire time")
	default:
		w.WriteError("ERR " + err.Error())
	}
}

func writeBulkOrNull(w *protocol.Writer, b []byte, found bool) {
	if !found {
		w.WriteNull()
		return
	}
	w.WriteBulk(b)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func cmdPing(_ *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	switch len(args) {
	case 0:
		w.WriteSimple("PONG")
	case 1:
		w.WriteBulk(args[0])
	default:
		w.WriteError("ERR wrong number of arguments for 'ping' command")
	}
}

func cmdGet(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	v, found, err := s.Engine.Get(string(args[0]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBulkOrNull(w, v, found)
}

func cmdSet(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	opts, err := engine.ParseSetOptions(args[2:])
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Engine.Set(string(args[0]), args[1], opts)
	switch {
	case err != nil:
		writeError(w, err)
	case opts.Get:
		writeBulkOrNull(w, res.Old, res.OldExists)
	case res.Applied:
		w.WriteSimple("OK")
	default:
		w.WriteNull()
	}
}

func cmdSetNX(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	ok, err := s.Engine.SetNX(string(args[0]), args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteInt(boolInt(ok))
}

func cmdSetEX(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	n, err := core.ParseInt(args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	if name == "PSETEX" {
		err = s.Engine.PSetEX(string(args[0]), n, args[2])
	} else {
		err = s.Engine.SetEX(string(args[0]), n, args[2])
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteSimple("OK")
}

func cmdGetSet(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	v, found, err := s.Engine.GetSet(string(args[0]), args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	writeBulkOrNull(w, v, found)
}

func cmdGetDel(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	v, found, err := s.Engine.GetDel(string(args[0]))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBulkOrNull(w, v, found)
}

func cmdGetEx(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	opts, err := parseGetExOptions(args[1:])
	if err != nil {
		writeError(w, err)
		return
	}
	v, found, err := s.Engine.GetEx(string(args[0]), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeBulkOrNull(w, v, found)
}

func parseGetExOptions(tokens [][]byte) (engine.GetExOptions, error) {
	var opts engine.GetExOptions
	switch len(tokens) {
	case 0:
		return opts, nil
	case 1:
		if strings.ToUpper(string(tokens[0])) != "PERSIST" {
			return opts, engine.ErrSyntax
		}
		opts.Persist = true
		return opts, nil
	case 2:
	default:
		return opts, engine.ErrSyntax
	}
	n, err := core.ParseInt(tokens[1])
	if err != nil {
		return opts, err
	}
	if n <= 0 {
		return opts, engine.ErrInvalidExpire
	}
	switch strings.ToUpper(string(tokens[0])) {
	case "EX":
		if n > math.MaxInt64/int64(time.Second) {
			return opts, engine.ErrInvalidExpire
		}
		opts.ExpireIn = time.Duration(n) * time.Second
	case "PX":
		if n > math.MaxInt64/int64(time.Millisecond) {
			return opts, engine.ErrInvalidExpire
		}
		opts.ExpireIn = time.Duration(n) * time.Millisecond
	case "EXAT":
		opts.ExpireAt = time.Unix(n, 0)
	case "PXAT":
		opts.ExpireAt = time.UnixMilli(n)
	default:
		return opts, engine.ErrSyntax
	}
	return opts, nil
}

func cmdMGet(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a)
	}
	values := s.Engine.MGet(keys...)
	w.WriteArrayHeader(len(values))
	for _, v := range values {
		writeBulkOrNull(w, v, v != nil)
	}
}

func cmdMSet(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	if len(args)%2 != 0 {
		w.WriteError("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
		return
	}
	pairs := make([]engine.Pair, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		pairs = append(pairs, engine.Pair{Key: string(args[i]), Value: args[i+1]})
	}

	if name == "MSETNX" {
		ok, err := s.Engine.MSetNX(pairs...)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteInt(boolInt(ok))
		return
	}
	if err := s.Engine.MSet(pairs...); err != nil {
		writeError(w, err)
		return
	}
	w.WriteSimple("OK")
}

func cmdAppend(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	n, err := s.Engine.Append(string(args[0]), args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteInt(int64(n))
}

func cmdSetRange(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	offset, err := core.ParseInt(args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Engine.SetRange(string(args[0]), offset, args[2])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteInt(int64(n))
}

func cmdGetRange(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	start, err := core.ParseInt(args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := core.ParseInt(args[2])
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.Engine.GetRange(string(args[0]), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteBulk(v)
}

func cmdStrLen(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	n, err := s.Engine.StrLen(string(args[0]))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteInt(int64(n))
}

func cmdIncrDecr(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	key := string(args[0])
	var (
		n   int64
		err error
	)
	switch name {
	case "INCR":
		n, err = s.Engine.Incr(key)
	case "DECR":
		n, err = s.Engine.Decr(key)
	default:
		var delta int64
		if delta, err = core.ParseInt(args[1]); err != nil {
			break
		}
		if name == "INCRBY" {
			n, err = s.Engine.IncrBy(key, delta)
		} else {
			n, err = s.Engine.DecrBy(key, delta)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteInt(n)
}

func cmdIncrByFloat(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	text, err := s.Engine.IncrByFloat(string(args[0]), args[1])
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteBulk(text)
}

func cmdDel(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a)
	}
	w.WriteInt(int64(s.Engine.Del(keys...)))
}

func cmdExists(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	keys := make([]string, len(args))
	for i, a := range args {
		keys[i] = string(a)
	}
	w.WriteInt(int64(s.Engine.Exists(keys...)))
}

func cmdExpire(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	key := string(args[0])
	n, err := core.ParseInt(args[1])
	if err != nil {
		writeError(w, err)
		return
	}

	var ok bool
	switch name {
	case "EXPIREAT", "PEXPIREAT":
		if name == "EXPIREAT" {
			if n > math.MaxInt64/1000 || n < math.MinInt64/1000 {
				writeError(w, engine.ErrInvalidExpire)
				return
			}
			n *= 1000
		}
		ok = s.Engine.PExpireAt(key, time.UnixMilli(n))
	default:
		unit := time.Millisecond
		if name == "EXPIRE" {
			unit = time.Second
		}
		if n > math.MaxInt64/int64(unit) || n < math.MinInt64/int64(unit) {
			writeError(w, engine.ErrInvalidExpire)
			return
		}
		if n <= 0 {
			// A deadline in the past deletes the key.
			ok = s.Engine.PExpireAt(key, time.UnixMilli(0))
		} else {
			ok, err = s.Engine.Expire(key, time.Duration(n)*unit)
			if err != nil {
				writeError(w, err)
				return
			}
		}
	}
	w.WriteInt(boolInt(ok))
}

func cmdPersist(s *RESPServer, w *protocol.Writer, _ string, args [][]byte) {
	w.WriteInt(boolInt(s.Engine.Persist(string(args[0]))))
}

func cmdTTL(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	ttl := s.Engine.PTTL(string(args[0]))
	if ttl >= 0 && name == "TTL" {
		ttl = (ttl + 500) / 1000
	}
	w.WriteInt(ttl)
}

func cmdSave(s *RESPServer, w *protocol.Writer, _ string, _ [][]byte) {
	if err := s.Engine.SaveSnapshot(); err != nil {
		w.WriteError("ERR " + err.Error())
		return
	}
	w.WriteSimple("OK")
}

func cmdBackground(s *RESPServer, w *protocol.Writer, name string, args [][]byte) {
	kind, fn, reply := "save", s.Engine.SaveSnapshot, "Background saving started"
	if name == "BGREWRITEAOF" {
		kind, fn, reply = "aof-rewrite", s.Engine.RewriteAOF, "Background append only file rewriting started"
	}
	if _, started := s.taskManager.Start(kind, fn); !started {
		w.WriteError("ERR Background " + kind + " already in progress")
		return
	}
	w.WriteSimple(reply)
}
