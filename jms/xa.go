package jms

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-mqclient/errors"
	"github.com/infigaming-com/go-mqclient/transport"
)

// XAResource associates the sessions of a managed connection with an
// externally coordinated transaction. Each session joins as its own branch.
type XAResource struct {
	conn *Connection

	mu       sync.Mutex
	xid      string
	ended    bool
	branches map[*Session]transport.TransactionID
}

func branchID(xid string, s *Session) string {
	return fmt.Sprintf("%s.%d", xid, s.id)
}

// Active reports whether a transaction is open, whether or not its work
// has ended.
func (x *XAResource) Active() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.xid != ""
}

func (x *XAResource) XID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.xid
}

func (x *XAResource) txnFor(s *Session) (transport.TransactionID, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.xid == "" || x.ended {
		return 0, false
	}
	txn, ok := x.branches[s]
	return txn, ok
}

// Start enlists every open session of the connection in xid.
func (x *XAResource) Start(ctx context.Context, xid string) error {
	if xid == "" {
		return errors.Newf(errors.InvalidArgument, "xid is empty")
	}
	sessions := x.conn.liveSessions()
	x.mu.Lock()
	if x.xid != "" {
		current := x.xid
		x.mu.Unlock()
		return errors.Newf(errors.IllegalState, "connection %d is enlisted in %s", x.conn.id, current)
	}
	x.xid = xid
	x.ended = false
	x.branches = map[*Session]transport.TransactionID{}
	x.mu.Unlock()

	for _, s := range sessions {
		if err := x.join(ctx, s); err != nil {
			if rerr := x.Rollback(ctx, xid); rerr != nil {
				x.conn.lg.Warn("rollback of partially started transaction failed", zap.String("xid", xid), zap.Error(rerr))
			}
			return err
		}
	}
	x.conn.lg.Debug("transaction enlisted", zap.String("xid", xid), zap.Int("sessions", len(sessions)))
	return nil
}

// join starts a branch of the open transaction for s.
func (x *XAResource) join(ctx context.Context, s *Session) error {
	x.mu.Lock()
	xid := x.xid
	x.mu.Unlock()
	if xid == "" {
		return nil
	}
	txn, err := s.svc.StartTransaction(ctx, s.conn.id, s.id, branchID(xid, s))
	if err != nil {
		d := s.details()
		d["xid"] = xid
		return errors.FromTransport(err, "start transaction branch", d, nil)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.xid != xid {
		return errors.Newf(errors.IllegalState, "transaction %s completed while session %d joined", xid, s.id)
	}
	x.branches[s] = txn
	return nil
}

func (x *XAResource) leave(s *Session) {
	x.mu.Lock()
	delete(x.branches, s)
	x.mu.Unlock()
}

// End dissociates the sessions from xid. Work done afterwards is not part
// of the transaction.
func (x *XAResource) End(xid string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.xid == "" || x.xid != xid {
		return errors.Newf(errors.IllegalState, "connection %d is not enlisted in %s", x.conn.id, xid)
	}
	x.ended = true
	return nil
}

func (x *XAResource) Commit(ctx context.Context, xid string) error {
	return x.complete(ctx, xid, "commit", func(s *Session, txn transport.TransactionID) error {
		return s.svc.CommitTransaction(ctx, s.conn.id, txn, branchID(xid, s))
	})
}

func (x *XAResource) Rollback(ctx context.Context, xid string) error {
	return x.complete(ctx, xid, "rollback", func(s *Session, txn transport.TransactionID) error {
		return s.svc.RollbackTransaction(ctx, s.conn.id, txn, branchID(xid, s), true)
	})
}

// complete settles every branch, clears the association and runs the
// temporary destination deletions that waited on it.
func (x *XAResource) complete(ctx context.Context, xid, op string, settle func(*Session, transport.TransactionID) error) error {
	x.mu.Lock()
	if x.xid == "" || x.xid != xid {
		x.mu.Unlock()
		return errors.Newf(errors.IllegalState, "connection %d is not enlisted in %s", x.conn.id, xid)
	}
	branches := x.branches
	x.xid = ""
	x.ended = false
	x.branches = nil
	x.mu.Unlock()

	var errs error
	for s, txn := range branches {
		if err := settle(s, txn); err != nil {
			d := s.details()
			d["xid"] = xid
			errs = multierr.Append(errs, errors.FromTransport(err, op+" transaction branch", d, nil))
		}
	}
	x.conn.runDeferred(ctx)
	if errs != nil && op == "commit" {
		return errors.Wrap(errors.TransactionRolledBack, errs, "transaction %s did not commit", xid)
	}
	return errs
}
