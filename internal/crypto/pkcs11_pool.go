//go:build cgo

package crypto

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/pkcs11"
)

// maxIdleSessions bounds how many sessions a pool keeps open between uses.
const maxIdleSessions = 4

// PKCS11SessionPool hands out read-only sessions on one token slot.
// A pool is shared process-wide per (module, slot); CloseAllPools tears
// every pool down at exit.
type PKCS11SessionPool struct {
	mu       sync.Mutex
	ctx      *pkcs11.Ctx
	module   string
	slotID   uint
	pin      string
	idle     []pkcs11.SessionHandle
	inUse    map[pkcs11.SessionHandle]struct{}
	loggedIn bool
	closed   bool
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Module string
	SlotID uint
	Idle   int
	InUse  int
}

var (
	poolsMu sync.Mutex
	pools   = make(map[string]*PKCS11SessionPool)
)

func poolKey(modulePath string, slotID uint) string {
	return fmt.Sprintf("%s:%d", modulePath, slotID)
}

// GetSessionPool returns the pool for modulePath and slotID, loading and
// initializing the module on first use.
func GetSessionPool(modulePath string, slotID uint, pin string) (*PKCS11SessionPool, error) {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	key := poolKey(modulePath, slotID)
	if pool, ok := pools[key]; ok && !pool.isClosed() {
		return pool, nil
	}

	ctx := pkcs11.New(modulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", modulePath)
	}
	if err := ctx.Initialize(); err != nil && !isP11Error(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
	}

	pool := &PKCS11SessionPool{
		ctx:    ctx,
		module: modulePath,
		slotID: slotID,
		pin:    pin,
		inUse:  make(map[pkcs11.SessionHandle]struct{}),
	}
	pools[key] = pool
	return pool, nil
}

func isP11Error(err error, code uint) bool {
	var p11err pkcs11.Error
	return errors.As(err, &p11err) && uint(p11err) == code
}

func (p *PKCS11SessionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Context returns the underlying PKCS#11 context.
func (p *PKCS11SessionPool) Context() *pkcs11.Ctx {
	return p.ctx
}

// Stats reports idle and in-use session counts.
func (p *PKCS11SessionPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Module: p.module, SlotID: p.slotID, Idle: len(p.idle), InUse: len(p.inUse)}
}

// Acquire reserves a session. The returned release func hands it back and
// is safe to call more than once.
func (p *PKCS11SessionPool) Acquire() (pkcs11.SessionHandle, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, nil, fmt.Errorf("session pool is closed")
	}

	var session pkcs11.SessionHandle
	if n := len(p.idle); n > 0 {
		session = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		var err error
		// Signing never writes objects, so read-only sessions suffice.
		session, err = p.ctx.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to open session: %w", err)
		}
		// Login state is per token, not per session.
		if p.pin != "" && !p.loggedIn {
			if err := p.ctx.Login(session, pkcs11.CKU_USER, p.pin); err != nil && !isP11Error(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
				_ = p.ctx.CloseSession(session)
				return 0, nil, fmt.Errorf("failed to login: %w", err)
			}
			p.loggedIn = true
		}
	}
	p.inUse[session] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(session) })
	}
	return session, release, nil
}

func (p *PKCS11SessionPool) release(session pkcs11.SessionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		// closeLocked already closed it along with the module.
		return
	}
	delete(p.inUse, session)
	if len(p.idle) >= maxIdleSessions {
		_ = p.ctx.CloseSession(session)
		return
	}
	p.idle = append(p.idle, session)
}

// Close logs out, closes every session and finalizes the module.
func (p *PKCS11SessionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	err := p.closeLocked()
	p.mu.Unlock()

	// poolsMu is taken after p.mu is released; GetSessionPool locks in the
	// opposite order.
	poolsMu.Lock()
	if pools[poolKey(p.module, p.slotID)] == p {
		delete(pools, poolKey(p.module, p.slotID))
	}
	poolsMu.Unlock()

	return err
}

func (p *PKCS11SessionPool) closeLocked() error {
	p.closed = true

	var errs []error

	if p.loggedIn {
		var sess pkcs11.SessionHandle
		found := false
		if len(p.idle) > 0 {
			sess, found = p.idle[0], true
		}
		for s := range p.inUse {
			if !found {
				sess, found = s, true
			}
		}
		if found {
			if err := p.ctx.Logout(sess); err != nil && !isP11Error(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
				errs = append(errs, fmt.Errorf("logout: %w", err))
			}
		}
	}

	for _, s := range p.idle {
		if err := p.ctx.CloseSession(s); err != nil {
			errs = append(errs, fmt.Errorf("close idle session: %w", err))
		}
	}
	// In-use sessions only remain if a caller leaked a release func.
	for s := range p.inUse {
		if err := p.ctx.CloseSession(s); err != nil {
			errs = append(errs, fmt.Errorf("close in-use session: %w", err))
		}
	}
	p.idle = nil
	p.inUse = map[pkcs11.SessionHandle]struct{}{}

	if err := p.ctx.Finalize(); err != nil && !isP11Error(err, pkcs11.CKR_CRYPTOKI_NOT_INITIALIZED) {
		errs = append(errs, fmt.Errorf("finalize: %w", err))
	}
	p.ctx.Destroy()

	return errors.Join(errs...)
}

// CloseAllPools closes every session pool. Call it at program exit.
func CloseAllPools() {
	poolsMu.Lock()
	all := make([]*PKCS11SessionPool, 0, len(pools))
	for _, pool := range pools {
		all = append(all, pool)
	}
	poolsMu.Unlock()

	for _, pool := range all {
		_ = pool.Close()
	}
}
