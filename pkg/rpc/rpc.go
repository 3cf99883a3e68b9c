// Package rpc implements the control-plane RPC surface between the API,
// the decision engines, and the appliers. Methods dispatch by name with
// JSON-encoded arguments so the call surface matches a message-bus
// deployment while running in process.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/telemetry"
)

// Version is the RPC API version this build speaks. Negotiation accepts
// any peer on the same major version.
const Version = "1.0"

// Handler serves one RPC method.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Server dispatches named methods to registered handlers.
type Server struct {
	name    string
	version string
	logger  *telemetry.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer creates a server for one worker role, e.g. decision-engine
// or applier.
func NewServer(name string, tel *telemetry.Telemetry) *Server {
	return &Server{
		name:     name,
		version:  Version,
		logger:   tel.Logger.NewComponentLogger("rpc").WithField("server", name),
		handlers: map[string]Handler{},
	}
}

// Register adds a method handler. Registering a method twice is a
// conflict.
func (s *Server) Register(method string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[method]; exists {
		return core.NewConflictError("rpc method already registered: "+method, nil)
	}
	s.handlers[method] = handler
	return nil
}

// MustRegister is Register for wiring-time registration, panicking on
// conflict.
func (s *Server) MustRegister(method string, handler Handler) {
	if err := s.Register(method, handler); err != nil {
		panic(err)
	}
}

// Dispatch runs one method. check_api_version is served by the server
// itself; every other method goes to its registered handler.
func (s *Server) Dispatch(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	if method == "check_api_version" {
		var req CheckAPIVersionArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, core.NewPermanentError("invalid check_api_version arguments", err).
				WithCode(core.ErrCodeValidation)
		}
		version, err := s.negotiate(req.APIVersion)
		if err != nil {
			return nil, err
		}
		return json.Marshal(CheckAPIVersionReply{APIVersion: version})
	}

	s.mu.RLock()
	handler, ok := s.handlers[method]
	s.mu.RUnlock()
	if !ok {
		return nil, core.NewPermanentError("unknown rpc method: "+method, nil).
			WithCode(core.ErrCodeNotFound)
	}

	s.logger.WithField("method", method).Debug("dispatching rpc call")
	reply, err := handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	return json.Marshal(reply)
}

// negotiate returns the server's version when the peer shares its major
// version.
func (s *Server) negotiate(requested string) (string, error) {
	if majorOf(requested) != majorOf(s.version) {
		return "", core.NewPermanentError(
			fmt.Sprintf("incompatible rpc api version: %s, server speaks %s", requested, s.version), nil).
			WithCode(core.ErrCodeValidation)
	}
	return s.version, nil
}

func majorOf(version string) string {
	major, _, _ := strings.Cut(version, ".")
	return major
}

// CheckAPIVersionArgs is the version negotiation request.
type CheckAPIVersionArgs struct {
	APIVersion string `json:"api_version"`
}

// CheckAPIVersionReply carries the version the server settles on.
type CheckAPIVersionReply struct {
	APIVersion string `json:"api_version"`
}

// Client calls one server. The dispatch target lives on the private
// server field; SetServer writes it there and nowhere else.
type Client struct {
	server  *Server
	version string
}

// NewClient creates a client bound to one server.
func NewClient(server *Server) *Client {
	c := &Client{version: Version}
	c.SetServer(server)
	return c
}

// SetServer stores the dispatch target.
func (c *Client) SetServer(server *Server) {
	c.server = server
}

// Call invokes one method, encoding args and decoding the reply. A nil
// reply discards the response body.
func (c *Client) Call(ctx context.Context, method string, args, reply interface{}) error {
	if c.server == nil {
		return core.NewTransientError("rpc client has no server", nil).
			WithCode(core.ErrCodeTransport)
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return core.NewPermanentError("failed to encode rpc arguments", err).
			WithCode(core.ErrCodeValidation)
	}
	raw, err := c.server.Dispatch(ctx, method, encoded)
	if err != nil {
		return err
	}
	if reply == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return core.NewPermanentError("failed to decode rpc reply", err).
			WithCode(core.ErrCodeTransport)
	}
	return nil
}

// CheckAPIVersion negotiates the API version with the server.
func (c *Client) CheckAPIVersion(ctx context.Context) (string, error) {
	var reply CheckAPIVersionReply
	err := c.Call(ctx, "check_api_version", CheckAPIVersionArgs{APIVersion: c.version}, &reply)
	if err != nil {
		return "", err
	}
	return reply.APIVersion, nil
}

// TriggerAudit asks a decision engine to run one audit.
func (c *Client) TriggerAudit(ctx context.Context, auditUUID string) error {
	return c.Call(ctx, "trigger_audit", TriggerAuditArgs{AuditUUID: auditUUID}, nil)
}

// LaunchActionPlan asks an applier to execute one plan.
func (c *Client) LaunchActionPlan(ctx context.Context, planUUID string) error {
	return c.Call(ctx, "launch_action_plan", LaunchActionPlanArgs{ActionPlanUUID: planUUID}, nil)
}

// GetAuditScope fetches an audit's scope clauses.
func (c *Client) GetAuditScope(ctx context.Context, auditUUID string) ([]core.ScopeClause, error) {
	var reply GetAuditScopeReply
	err := c.Call(ctx, "get_audit_scope", GetAuditScopeArgs{AuditUUID: auditUUID}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Scope, nil
}

// GetDataModelInfo fetches a serialized view of one cluster data model,
// projected to an audit's scope when auditUUID is given.
func (c *Client) GetDataModelInfo(ctx context.Context, dataModelType, auditUUID string) (*ModelView, error) {
	var reply ModelView
	err := c.Call(ctx, "get_data_model_info", GetDataModelInfoArgs{
		DataModelType: dataModelType,
		AuditUUID:     auditUUID,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}
