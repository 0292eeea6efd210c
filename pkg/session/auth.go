package session

import (
	"errors"
	"fmt"

	"github.com/sammck-go/wstssh/pkg/kex"
	"github.com/sammck-go/wstssh/pkg/wire"
)

// ErrAuthFailed is returned when the client runs out of authentication
// methods, or the server sees too many failed attempts
var ErrAuthFailed = errors.New("session: authentication failed")

// AuthRequest is one USERAUTH_REQUEST received by a server
type AuthRequest struct {
	User    string
	Service string
	Method  string

	// Password is set for the "password" method
	Password string

	// Payload holds the method specific fields
	Payload []byte
}

// AuthCallback decides whether an authentication request succeeds
type AuthCallback func(req *AuthRequest) bool

// PasswordAuth returns an AuthCallback accepting the "password" method when
// check returns true
func PasswordAuth(check func(user, password string) bool) AuthCallback {
	return func(req *AuthRequest) bool {
		return req.Method == "password" && check(req.User, req.Password)
	}
}

// authState is guarded by Session.lock
type authState struct {
	serviceAccepted bool
	authenticated   bool
	user            string
	failures        int
	bannerSent      bool
	lastMethod      string
}

func (s *Session) handleAuth(msg byte, payload []byte) error {
	if s.role == kex.RoleServer {
		return s.serverHandleAuth(msg, payload)
	}
	return s.clientHandleAuth(msg, payload)
}

// startAuth asks the server for the user authentication service
func (s *Session) startAuth() {
	s.DLogf("Requesting service %s", ServiceUserAuth)
	s.send(wire.NewWriter(wire.MsgServiceRequest).Text(ServiceUserAuth).Bytes())
}

func (s *Session) sendAuthRequest(method string, fields *wire.Writer) {
	s.lock.Lock()
	s.auth.lastMethod = method
	s.lock.Unlock()
	w := wire.NewWriter(wire.MsgUserAuthRequest).
		Text(s.config.User).Text(ServiceConnection).Text(method)
	if fields != nil {
		w.Raw(fields.Bytes())
	}
	s.DLogf("Trying authentication method %q for user %q", method, s.config.User)
	s.send(w.Bytes())
}

func (s *Session) clientHandleAuth(msg byte, payload []byte) error {
	s.lock.Lock()
	state := s.auth
	s.lock.Unlock()
	r := wire.NewReader(payload)

	switch msg {
	case wire.MsgServiceAccept:
		if state.serviceAccepted {
			return wire.UnexpectedMessageError(msg, "authentication")
		}
		if name := r.Text(); name != ServiceUserAuth {
			return wire.ProtocolErrorf(msg, "accepted service %q that was not requested", name)
		}
		s.lock.Lock()
		s.auth.serviceAccepted = true
		s.lock.Unlock()
		s.sendAuthRequest("none", nil)
		return nil

	case wire.MsgUserAuthBanner:
		s.ILogf("Server banner: %s", r.Text())
		return r.Err()

	case wire.MsgUserAuthSuccess:
		if !state.serviceAccepted || state.authenticated {
			return wire.UnexpectedMessageError(msg, "authentication")
		}
		s.lock.Lock()
		s.auth.authenticated = true
		s.auth.user = s.config.User
		s.lock.Unlock()
		s.DLogf("Authenticated with method %q", state.lastMethod)
		s.authDone.Resolve(nil)
		return nil

	case wire.MsgUserAuthFailure:
		if !state.serviceAccepted || state.authenticated {
			return wire.UnexpectedMessageError(msg, "authentication")
		}
		methods := r.NameList()
		r.Bool()
		if err := r.Err(); err != nil {
			return err
		}
		if state.lastMethod == "none" && s.config.Password != "" && contains(methods, "password") {
			s.sendAuthRequest("password", wire.NewRawWriter().Bool(false).Text(s.config.Password))
			return nil
		}
		return fmt.Errorf("%w: %q rejected, server allows %v", ErrAuthFailed, state.lastMethod, methods)
	}

	if state.authenticated {
		s.DLogf("Ignoring %s after authentication", wire.MsgName(msg))
		return nil
	}
	// 60-79 carry method specific prompts, such as a password change request
	return fmt.Errorf("%w: server sent unsupported %s", ErrAuthFailed, wire.MsgName(msg))
}

func (s *Session) serverHandleAuth(msg byte, payload []byte) error {
	s.lock.Lock()
	state := s.auth
	s.lock.Unlock()
	r := wire.NewReader(payload)

	switch msg {
	case wire.MsgServiceRequest:
		name := r.Text()
		if err := r.Err(); err != nil {
			return err
		}
		if name != ServiceUserAuth || state.serviceAccepted {
			return &wire.DisconnectError{
				Reason:  wire.DisconnectServiceNotAvailable,
				Message: fmt.Sprintf("service %q not available", name),
			}
		}
		s.lock.Lock()
		s.auth.serviceAccepted = true
		s.lock.Unlock()
		s.send(wire.NewWriter(wire.MsgServiceAccept).Text(name).Bytes())
		return nil

	case wire.MsgUserAuthRequest:
		if !state.serviceAccepted {
			return wire.UnexpectedMessageError(msg, "service request")
		}
		if state.authenticated {
			// RFC 4252 §5.1: later requests are ignored
			return nil
		}
		return s.serverAuthRequest(r)
	}
	return wire.UnexpectedMessageError(msg, "authentication")
}

func (s *Session) serverAuthRequest(r *wire.Reader) error {
	req := &AuthRequest{
		User:    r.Text(),
		Service: r.Text(),
		Method:  r.Text(),
	}
	req.Payload = r.Rest()
	if err := r.Err(); err != nil {
		return err
	}
	if req.Service != ServiceConnection {
		return &wire.DisconnectError{
			Reason:  wire.DisconnectServiceNotAvailable,
			Message: fmt.Sprintf("service %q not available", req.Service),
		}
	}
	ok := true
	if req.Method == "password" {
		fields := wire.NewRawReader(req.Payload)
		change := fields.Bool()
		req.Password = fields.Text()
		if err := fields.Err(); err != nil {
			return err
		}
		ok = !change
	}
	if ok && s.config.AuthCallback != nil {
		ok = s.config.AuthCallback(req)
	}

	s.lock.Lock()
	sendBanner := s.config.Banner != "" && !s.auth.bannerSent
	s.auth.bannerSent = true
	if ok {
		s.auth.authenticated = true
		s.auth.user = req.User
	} else {
		s.auth.failures++
	}
	failures := s.auth.failures
	s.lock.Unlock()

	if sendBanner {
		s.send(wire.NewWriter(wire.MsgUserAuthBanner).Text(s.config.Banner).Text("").Bytes())
	}
	if ok {
		s.DLogf("User %q authenticated with method %q", req.User, req.Method)
		s.send([]byte{wire.MsgUserAuthSuccess})
		s.authDone.Resolve(nil)
		return nil
	}
	s.DLogf("User %q failed method %q (%d of %d)", req.User, req.Method, failures, s.config.MaxAuthTries)
	if failures >= s.config.MaxAuthTries {
		return fmt.Errorf("%w: %d failed attempts for user %q", ErrAuthFailed, failures, req.User)
	}
	s.send(wire.NewWriter(wire.MsgUserAuthFailure).NameList(s.config.AuthMethods).Bool(false).Bytes())
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
