package driver

import (
	"fmt"
	"net"

	"github.com/joeycumines/tcplb/internal/config"
	"github.com/joeycumines/tcplb/internal/lberrors"
	"github.com/joeycumines/tcplb/internal/netsock"
	"github.com/joeycumines/tcplb/internal/poller"
	"github.com/joeycumines/tcplb/internal/router"
	"github.com/joeycumines/tcplb/internal/token"
)

// ListenBacklog is the backlog passed to listen() for every bound
// listener.
const ListenBacklog = 1024

// frontendPlan is one resolved, ready-to-apply frontend: a resolved
// listen address bound to a freshly built router.
type frontendPlan struct {
	listenAddr *net.TCPAddr
	key        string
	router     *router.Router
}

// Reconfigure applies cfg to s: build every new router,
// resolving every target address and aborting the whole reconfiguration
// on any resolution failure; diff the desired listen-address set against
// the current one; rebind in place, bind new, or mark for removal. It
// must be called only at a dispatcher tick boundary, never concurrently
// with event dispatch, since it mutates driver state and registers new
// fds with the poller.
//
// On a resolution error the running process is left exactly as it was:
// no listener is bound, rebound, or marked for removal by a
// reconfiguration that fails resolution. A failure partway through the
// bind/register step (step 4 having already rebound or bound some
// listeners) is NOT rolled back; such a failure is Bind (or SlabFull when
// the listener slab is full), not ConfigResolve, and is rare enough in
// practice (a local bind failing)
// to leave as partial effect rather than complicating this into a
// transaction.
func Reconfigure(s *State, p poller.Poller, cfg *config.Root) error {
	routers := make(map[string]*router.Router, len(cfg.Backends))
	for name, b := range cfg.Backends {
		targets := make([]*net.TCPAddr, 0, len(b.TargetAddrs))
		for _, addrStr := range b.TargetAddrs {
			addr, err := netsock.ResolveOne(addrStr)
			if err != nil {
				return lberrors.New(lberrors.ConfigResolve, fmt.Errorf("backend %q: %w", name, err))
			}
			targets = append(targets, addr)
		}
		r, err := router.New(targets)
		if err != nil {
			return lberrors.New(lberrors.ConfigResolve, fmt.Errorf("backend %q: %w", name, err))
		}
		routers[name] = r
	}

	plans := make([]frontendPlan, 0, len(cfg.Frontends))
	for name, f := range cfg.Frontends {
		r, ok := routers[f.Backend]
		if !ok {
			return lberrors.New(lberrors.ConfigResolve, fmt.Errorf("frontend %q: unknown backend %q", name, f.Backend))
		}
		addr, err := netsock.ResolveOne(f.ListenAddr)
		if err != nil {
			return lberrors.New(lberrors.ConfigResolve, fmt.Errorf("frontend %q: %w", name, err))
		}
		plans = append(plans, frontendPlan{listenAddr: addr, key: addr.String(), router: r})
	}

	stillPresent := make(map[string]struct{}, len(s.listenersByAddr))
	for addr := range s.listenersByAddr {
		stillPresent[addr] = struct{}{}
	}

	for _, plan := range plans {
		if slot, ok := s.ListenerByAddr(plan.key); ok {
			if err := s.RebindListener(slot, plan.router); err != nil {
				return err
			}
			delete(stillPresent, plan.key)
			continue
		}

		l, err := s.AddListener(plan.listenAddr, plan.router, ListenBacklog)
		if err != nil {
			return err
		}
		if err := p.Add(l.FD, poller.Readable, l.SelfToken); err != nil {
			return lberrors.New(lberrors.Bind, err)
		}
		_, slot := token.Decode(l.SelfToken)
		s.log.Info().Str("listen_addr", plan.key).Uint32("slot", slot).Msg("listener bound")
	}

	for addr := range stillPresent {
		slot, ok := s.ListenerByAddr(addr)
		if !ok {
			continue
		}
		s.MarkListenerPendingRemoval(slot)
		s.log.Info().Str("listen_addr", addr).Msg("listener marked for removal")
	}

	return nil
}
