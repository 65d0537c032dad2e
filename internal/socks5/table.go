package socks5

import "github.com/lumen-proxy/reactorsocks/internal/reactor"

// EndpointRef is the value side of the token index: which connection
// and which of its two sockets a reactor token belongs to.
type EndpointRef struct {
	ConnID uint64
	Kind   EndpointKind
}

// ListenerToken and DNSToken are reserved, as required by spec.md §3
// ("Tokens 0 and 1 are reserved for the listener and the DNS socket").
const (
	ListenerToken reactor.Token = 0
	DNSToken      reactor.Token = 1
	firstConnToken reactor.Token = 2
)

// Table is the authoritative store of live connections plus the
// token -> (conn_id, endpoint_kind) index used to route reactor
// events. It is owned exclusively by the event loop goroutine.
type Table struct {
	conns      map[uint64]*Connection
	tokens     map[reactor.Token]EndpointRef
	nextConnID uint64
	nextToken  reactor.Token
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{
		conns:      make(map[uint64]*Connection),
		tokens:     make(map[reactor.Token]EndpointRef),
		nextConnID: 1,
		nextToken:  firstConnToken,
	}
}

// NewToken allocates a fresh, never-reused reactor token.
func (t *Table) NewToken() reactor.Token {
	tok := t.nextToken
	t.nextToken++
	return tok
}

// NewConnID allocates a fresh, monotonic connection id.
func (t *Table) NewConnID() uint64 {
	id := t.nextConnID
	t.nextConnID++
	return id
}

// Insert adds a new live connection.
func (t *Table) Insert(c *Connection) {
	t.conns[c.ID] = c
}

// Get looks up a connection by id.
func (t *Table) Get(id uint64) (*Connection, bool) {
	c, ok := t.conns[id]
	return c, ok
}

// BindToken records that token routes to ref.
func (t *Table) BindToken(token reactor.Token, ref EndpointRef) {
	t.tokens[token] = ref
}

// Lookup resolves a reactor token to the connection/endpoint it
// belongs to.
func (t *Table) Lookup(token reactor.Token) (EndpointRef, bool) {
	ref, ok := t.tokens[token]
	return ref, ok
}

// Remove drops a connection from the table and purges every token
// index entry that referenced it. It does not close or deregister any
// socket — callers must do that first (see Cleanup).
func (t *Table) Remove(id uint64) (*Connection, bool) {
	c, ok := t.conns[id]
	if !ok {
		return nil, false
	}
	delete(t.conns, id)
	for tok, ref := range t.tokens {
		if ref.ConnID == id {
			delete(t.tokens, tok)
		}
	}
	return c, true
}

// ConnIDs returns the ids of every live connection, for shutdown
// sweeps. The order is unspecified.
func (t *Table) ConnIDs() []uint64 {
	ids := make([]uint64, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live connections.
func (t *Table) Len() int { return len(t.conns) }

// TokenCount returns the number of indexed tokens.
func (t *Table) TokenCount() int { return len(t.tokens) }
