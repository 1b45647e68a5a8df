// Package sandbox is a reference implementation of the remote side of the
// TNR control channel. It stands in for the isolated GPU process: it keeps
// per-session state, resolves every payload handle through the segment
// registry, and answers the fixed command vocabulary.
//
// The frame "processing" is deliberately trivial (copy, or a gain-weighted
// blend with the previous output); only the protocol is modelled.
package sandbox

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/gpu-tnr-client/pkg/control"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

// ErrInjected is returned for requests failed through FailNext/FailAlways.
var ErrInjected = errors.New("injected failure")

// Resolver maps a handle to the bytes it names.
type Resolver interface {
	Lookup(h types.Handle) ([]byte, error)
}

type sessionKey struct {
	cameraID int32
	tnrType  types.TnrType
}

// Session is the remote state of one initialized TNR instance.
type Session struct {
	CameraID     int32
	Type         types.TnrType
	Width        int32
	Height       int32
	Surfaces     []types.Handle
	Gain         int32
	ForceUpdate  bool
	Frames       int64
	ParamUpdates int64
	// LastForceUpdate is the force-update flag seen by the latest frame.
	LastForceUpdate bool
	// LastOutFd is the external fd field seen by the latest frame.
	LastOutFd int32
}

// Service answers TNR commands. It implements ipc.Handler.
type Service struct {
	res Resolver

	mu         sync.Mutex
	sessions   map[sessionKey]*Session
	failNext   map[types.Command]int
	failAlways map[types.Command]bool
}

// New returns a service resolving handles through res.
func New(res Resolver) *Service {
	return &Service{
		res:        res,
		sessions:   make(map[sessionKey]*Session),
		failNext:   make(map[types.Command]int),
		failAlways: make(map[types.Command]bool),
	}
}

// ───────────────────────────────────────────
//  Fault injection
// ───────────────────────────────────────────

// FailNext makes the next n requests of cmd fail.
func (s *Service) FailNext(cmd types.Command, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[cmd] += n
}

// FailAlways makes every request of cmd fail (or succeed again when on is
// false).
func (s *Service) FailAlways(cmd types.Command, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAlways[cmd] = on
}

// injected reports whether cmd should fail. Caller holds s.mu.
func (s *Service) injected(cmd types.Command) bool {
	if s.failAlways[cmd] {
		return true
	}
	if s.failNext[cmd] > 0 {
		s.failNext[cmd]--
		return true
	}
	return false
}

// ───────────────────────────────────────────
//  Introspection
// ───────────────────────────────────────────

// Session returns a copy of the session for (cameraID, t).
func (s *Service) Session(cameraID int32, t types.TnrType) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey{cameraID, t}]
	if !ok {
		return Session{}, false
	}
	out := *sess
	out.Surfaces = append([]types.Handle(nil), sess.Surfaces...)
	return out, true
}

// Sessions returns the number of live sessions.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ───────────────────────────────────────────
//  Request handling
// ───────────────────────────────────────────

// Handle services one request.
func (s *Service) Handle(cmd types.Command, h types.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.injected(cmd) {
		return fmt.Errorf("%s: %w", cmd, ErrInjected)
	}

	payload, err := s.res.Lookup(h)
	if err != nil {
		return fmt.Errorf("%s: cannot resolve payload: %w", cmd, err)
	}

	if cmd == types.CmdInit {
		return s.init(payload)
	}

	req, err := control.NewRequestView(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	sess, ok := s.sessions[sessionKey{req.CameraID(), req.Type()}]
	if !ok {
		return fmt.Errorf("%s: no session for camera %d type %s", cmd, req.CameraID(), req.Type())
	}

	switch cmd {
	case types.CmdDeinit:
		delete(s.sessions, sessionKey{sess.CameraID, sess.Type})
		log.Debugf("sandbox: camera %d type %s deinitialized", sess.CameraID, sess.Type)
		return nil
	case types.CmdRunFrame, types.CmdRunFrameSecondary:
		if err := checkLane(cmd, sess.Type); err != nil {
			return err
		}
		return s.runFrame(sess, req)
	case types.CmdParamUpdate, types.CmdParamUpdateSecondary:
		if err := checkLane(cmd, sess.Type); err != nil {
			return err
		}
		sess.Gain = req.Gain()
		sess.ForceUpdate = req.ForceUpdate()
		sess.ParamUpdates++
		return nil
	case types.CmdPrepareSurface:
		if _, err := s.res.Lookup(req.SurfaceHandle()); err != nil {
			return fmt.Errorf("%s: cannot resolve surface: %w", cmd, err)
		}
		sess.Surfaces = append(sess.Surfaces, req.SurfaceHandle())
		return nil
	case types.CmdGetSurfaceInfo:
		if req.Width() <= 0 || req.Height() <= 0 {
			return fmt.Errorf("%s: invalid size %dx%d", cmd, req.Width(), req.Height())
		}
		req.SetSurfaceSize(SurfaceSize(req.Width(), req.Height()))
		return nil
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func (s *Service) init(payload []byte) error {
	info, err := control.NewInitView(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", types.CmdInit, err)
	}
	if info.Width() <= 0 || info.Height() <= 0 {
		return fmt.Errorf("%s: invalid size %dx%d", types.CmdInit, info.Width(), info.Height())
	}
	if !info.Type().Valid() {
		return fmt.Errorf("%s: invalid type %s", types.CmdInit, info.Type())
	}
	key := sessionKey{info.CameraID(), info.Type()}
	if _, ok := s.sessions[key]; ok {
		return fmt.Errorf("%s: camera %d type %s already initialized", types.CmdInit, info.CameraID(), info.Type())
	}
	s.sessions[key] = &Session{
		CameraID: info.CameraID(),
		Type:     info.Type(),
		Width:    info.Width(),
		Height:   info.Height(),
	}
	log.Debugf("sandbox: camera %d type %s initialized %dx%d", info.CameraID(), info.Type(), info.Width(), info.Height())
	return nil
}

func (s *Service) runFrame(sess *Session, req *control.RequestView) error {
	in, err := s.res.Lookup(req.InHandle())
	if err != nil {
		return fmt.Errorf("run frame: input: %w", err)
	}
	out, err := s.res.Lookup(req.OutHandle())
	if err != nil {
		return fmt.Errorf("run frame: output: %w", err)
	}
	if _, err := s.res.Lookup(req.ParamHandle()); err != nil {
		return fmt.Errorf("run frame: param: %w", err)
	}

	blend(out, in, sess.Gain)
	sess.Frames++
	sess.LastForceUpdate = req.ForceUpdate()
	sess.LastOutFd = req.OutBufFd()
	return nil
}

// checkLane rejects a request sent on the wrong execution lane.
func checkLane(cmd types.Command, t types.TnrType) error {
	secondary := cmd == types.CmdRunFrameSecondary || cmd == types.CmdParamUpdateSecondary
	if secondary != t.IsSecondary() {
		return fmt.Errorf("%s: wrong lane for type %s", cmd, t)
	}
	return nil
}

// blend writes in into out, mixing in the previous out contents weighted
// by gain (0..255). Gain 0 is a plain copy.
func blend(out, in []byte, gain int32) {
	n := len(in)
	if len(out) < n {
		n = len(out)
	}
	w := int(gain)
	if w < 0 {
		w = 0
	}
	if w > 255 {
		w = 255
	}
	if w == 0 {
		copy(out[:n], in[:n])
		return
	}
	for i := 0; i < n; i++ {
		out[i] = byte((int(in[i])*(256-w) + int(out[i])*w) >> 8)
	}
}

// SurfaceSize is the NV12 byte size of a surface whose width is aligned
// to 64 and height to 32.
func SurfaceSize(width, height int32) uint32 {
	w := (uint32(width) + 63) &^ 63
	h := (uint32(height) + 31) &^ 31
	return w * h * 3 / 2
}
