package sshmux

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sshmux/wire"
)

const (
	serviceUserauth   = "ssh-userauth"
	serviceConnection = "ssh-connection"
)

// ensureUserauthService requests the userauth service once per session.
// Service requests ride the same correlator pattern as every other
// requires-confirmation exchange.
func (s *Session) ensureUserauthService() error {
	if s.authService {
		return nil
	}
	if err := s.pendingAuth.begin(); err != nil {
		return newProtocolError("service request", err)
	}

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgServiceRequest)
	s.outBuffer.AddString([]byte(serviceUserauth))
	if err := s.sendPacket(); err != nil {
		s.pendingAuth.finish()
		return err
	}
	if err := s.awaitRequest(&s.pendingAuth, "service request", s.opts.OperationTimeout); err != nil {
		return err
	}
	s.authService = true
	return nil
}

// authRequest sends one userauth attempt and waits for the verdict.
func (s *Session) authRequest(user, method string, build func(*wire.Buffer)) error {
	if !s.IsAlive() {
		return s.deadErr()
	}
	if s.state == StateAuthenticated {
		return nil
	}
	if s.state != StateAuthenticating {
		return newProtocolError("auth", fmt.Errorf("bad state %s", s.state))
	}
	if err := s.ensureUserauthService(); err != nil {
		return err
	}
	if err := s.pendingAuth.begin(); err != nil {
		return newProtocolError("auth "+method, err)
	}
	s.authUser = user

	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgUserauthRequest)
	s.outBuffer.AddString([]byte(user))
	s.outBuffer.AddString([]byte(serviceConnection))
	s.outBuffer.AddString([]byte(method))
	if build != nil {
		build(s.outBuffer)
	}
	if err := s.sendPacket(); err != nil {
		s.pendingAuth.finish()
		return err
	}

	err := s.awaitRequest(&s.pendingAuth, "auth "+method, s.opts.OperationTimeout)
	if errors.Is(err, ErrRequestDenied) {
		if s.authMethods != "" {
			return newProtocolError("auth "+method, fmt.Errorf("%w (methods: %s)", ErrAuthFailed, s.authMethods))
		}
		return newProtocolError("auth "+method, ErrAuthFailed)
	}
	return err
}

// AuthNone attempts "none" authentication. Servers mostly refuse it and
// reply with the methods they do accept; the denial is request-level
// and leaves the session usable.
func (s *Session) AuthNone(user string) error {
	return s.authRequest(user, "none", nil)
}

// AuthPassword attempts password authentication.
func (s *Session) AuthPassword(user, password string) error {
	return s.authRequest(user, "password", func(buf *wire.Buffer) {
		buf.AddBool(false)
		buf.AddString([]byte(password))
	})
}

// AuthMethods returns the methods the server offered in its last
// failure reply, as a comma-separated list.
func (s *Session) AuthMethods() string {
	return s.authMethods
}

// handleServiceAccept resolves the pending service request.
func (s *Session) handleServiceAccept(buf *wire.Buffer, raw []byte) error {
	if _, err := buf.GetString(); err != nil {
		return s.fatal("service accept", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	s.pendingAuth.resolve(true, "")
	return nil
}

// handleUserauthSuccess completes client authentication.
func (s *Session) handleUserauthSuccess(buf *wire.Buffer, raw []byte) error {
	s.state = StateAuthenticated
	s.pendingAuth.resolve(true, "")
	logrus.WithFields(logrus.Fields{
		"user": s.authUser,
	}).Info("authenticated")
	return nil
}

// handleUserauthFailure records the server's remaining methods and
// resolves the attempt as denied.
func (s *Session) handleUserauthFailure(buf *wire.Buffer, raw []byte) error {
	methods, err := buf.GetString()
	if err != nil {
		return s.fatal("auth failure", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if _, err := buf.GetBool(); err != nil {
		return s.fatal("auth failure", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	s.authMethods = string(methods)
	s.pendingAuth.resolve(false, fmt.Sprintf("%v (methods: %s)", ErrAuthFailed, methods))
	return nil
}

// handleUserauthBanner retains the server's pre-auth banner message.
func (s *Session) handleUserauthBanner(buf *wire.Buffer, raw []byte) error {
	msg, err := buf.GetString()
	if err != nil {
		return s.fatal("auth banner", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	s.authBanner = string(msg)
	return nil
}

// AuthBanner returns the server's userauth banner, if one was sent.
func (s *Session) AuthBanner() string {
	return s.authBanner
}

// --- server side ---

// handleServiceRequest accepts the userauth service and refuses
// everything else.
func (s *Session) handleServiceRequest(buf *wire.Buffer, raw []byte) error {
	name, err := buf.GetString()
	if err != nil {
		return s.fatal("service request", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if string(name) != serviceUserauth {
		return s.fatal("service request", fmt.Errorf("%w: unsupported service %q", ErrProtocol, name))
	}
	s.outBuffer.Reinit()
	s.outBuffer.AddU8(msgServiceAccept)
	s.outBuffer.AddString(name)
	return s.sendPacket()
}

// handleUserauthRequest answers client authentication attempts with the
// configured policy: "none" per AllowNoneAuth, "password" through the
// PasswordCallback.
func (s *Session) handleUserauthRequest(buf *wire.Buffer, raw []byte) error {
	user, err := buf.GetString()
	if err != nil {
		return s.fatal("userauth", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	service, err := buf.GetString()
	if err != nil {
		return s.fatal("userauth", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	method, err := buf.GetString()
	if err != nil {
		return s.fatal("userauth", fmt.Errorf("%w: %v", ErrProtocol, err))
	}
	if string(service) != serviceConnection {
		return s.fatal("userauth", fmt.Errorf("%w: unsupported service %q", ErrProtocol, service))
	}

	accepted := false
	switch string(method) {
	case "none":
		accepted = s.opts.AllowNoneAuth
	case "password":
		if _, err := buf.GetBool(); err != nil {
			return s.fatal("userauth", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		password, err := buf.GetString()
		if err != nil {
			return s.fatal("userauth", fmt.Errorf("%w: %v", ErrProtocol, err))
		}
		if s.opts.PasswordCallback != nil {
			accepted = s.opts.PasswordCallback(string(user), string(password))
		}
	}

	logrus.WithFields(logrus.Fields{
		"user":     string(user),
		"method":   string(method),
		"accepted": accepted,
	}).Info("authentication attempt")

	s.outBuffer.Reinit()
	if accepted {
		s.authUser = string(user)
		s.state = StateAuthenticated
		s.outBuffer.AddU8(msgUserauthSuccess)
		return s.sendPacket()
	}
	s.outBuffer.AddU8(msgUserauthFailure)
	s.outBuffer.AddString([]byte("password"))
	s.outBuffer.AddBool(false)
	return s.sendPacket()
}
