package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/dhashring/dhash/wire"
)

// ErrTransport marks a peer as unreachable or timed out. Callers match
// with errors.Is to pick their retry path.
var ErrTransport = errors.New("transport failure")

// poolSize bounds how many peer connections a client keeps open.
const poolSize = 64

type clientConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Client issues requests to remote peers. Connections are pooled per
// target and reused; a connection serializes its request/response
// pairs, which is the only ordering the protocol relies on.
type Client struct {
	timeout time.Duration
	log     *log.Entry

	mu   sync.Mutex
	pool *lru.Cache[string, *clientConn]
}

func NewClient(timeout time.Duration) *Client {
	pool, _ := lru.NewWithEvict(poolSize, func(_ string, cc *clientConn) {
		cc.conn.Close()
	})
	return &Client{
		timeout: timeout,
		log:     log.WithField("component", "client"),
		pool:    pool,
	}
}

/* Function:	Send
 *
 * Description:
 *		Send one request to addr:port and wait for its response, both
 *		under the client deadline. Returns the response and the
 *		round-trip time. Any socket failure drops the pooled
 *		connection and surfaces as ErrTransport.
 */
func (c *Client) Send(addr string, port int, req *wire.Message) (*wire.Message, time.Duration, error) {
	target := net.JoinHostPort(addr, strconv.Itoa(port))

	cc, err := c.connFor(target)
	if err != nil {
		return nil, 0, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	start := time.Now()
	if err := cc.conn.SetDeadline(start.Add(c.timeout)); err != nil {
		c.drop(target, cc)
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrTransport, target, err)
	}
	if err := cc.enc.Encode(req); err != nil {
		c.drop(target, cc)
		return nil, 0, fmt.Errorf("%w: send to %s: %v", ErrTransport, target, err)
	}

	var resp wire.Message
	if err := cc.dec.Decode(&resp); err != nil {
		c.drop(target, cc)
		return nil, 0, fmt.Errorf("%w: receive from %s: %v", ErrTransport, target, err)
	}
	return &resp, time.Since(start), nil
}

// connFor returns the pooled connection for a target, dialing one when
// absent.
func (c *Client) connFor(target string) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.pool.Get(target); ok {
		return cc, nil
	}

	conn, err := net.DialTimeout("tcp", target, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, target, err)
	}
	cc := &clientConn{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
	c.pool.Add(target, cc)
	return cc, nil
}

// drop discards a connection after a failure so the next call redials.
func (c *Client) drop(target string, cc *clientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.pool.Peek(target); ok && current == cc {
		c.pool.Remove(target)
		return
	}
	cc.conn.Close()
}

// Close tears down every pooled connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool.Purge()
}
