package rpc

import (
	"context"
	"encoding/json"

	"github.com/fleetwise/fleetwise/pkg/core"
	"github.com/fleetwise/fleetwise/pkg/model"
)

// TriggerAuditArgs names the audit to run.
type TriggerAuditArgs struct {
	AuditUUID string `json:"audit_uuid"`
}

// GetAuditScopeArgs names the audit whose scope is requested.
type GetAuditScopeArgs struct {
	AuditUUID string `json:"audit_uuid"`
}

// GetAuditScopeReply carries the audit's scope clauses.
type GetAuditScopeReply struct {
	Scope []core.ScopeClause `json:"scope,omitempty"`
}

// GetDataModelInfoArgs selects one model namespace, optionally projected
// to an audit's scope.
type GetDataModelInfoArgs struct {
	DataModelType string `json:"data_model_type"`
	AuditUUID     string `json:"audit_uuid,omitempty"`
}

// ModelView is the serialized form of one cluster data model.
type ModelView struct {
	DataModelType  string                 `json:"data_model_type"`
	Info           model.Info             `json:"info"`
	ComputeNodes   []*model.ComputeNode   `json:"compute_nodes,omitempty"`
	Instances      []*model.Instance      `json:"instances,omitempty"`
	StorageNodes   []*model.StorageNode   `json:"storage_nodes,omitempty"`
	Pools          []*model.Pool          `json:"pools,omitempty"`
	Volumes        []*model.Volume        `json:"volumes,omitempty"`
	BareMetalNodes []*model.BareMetalNode `json:"baremetal_nodes,omitempty"`
}

// AuditTrigger runs audits. Satisfied by the decision engine.
type AuditTrigger interface {
	TriggerAudit(ctx context.Context, auditUUID string) error
}

// AuditStore resolves audits for scope lookups.
type AuditStore interface {
	GetAuditByUUID(ctx context.Context, uuid string) (*core.Audit, error)
}

// ModelSource hands out the current cluster data models. Satisfied by
// the collector manager.
type ModelSource interface {
	GetModel(name string) (*model.Model, error)
}

// RegisterDecisionEndpoints wires the decision-engine methods onto one
// server.
func RegisterDecisionEndpoints(s *Server, trigger AuditTrigger, store AuditStore, models ModelSource) {
	s.MustRegister("trigger_audit", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var req TriggerAuditArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, core.NewPermanentError("invalid trigger_audit arguments", err).
				WithCode(core.ErrCodeValidation)
		}
		return nil, trigger.TriggerAudit(ctx, req.AuditUUID)
	})

	s.MustRegister("get_audit_scope", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var req GetAuditScopeArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, core.NewPermanentError("invalid get_audit_scope arguments", err).
				WithCode(core.ErrCodeValidation)
		}
		audit, err := store.GetAuditByUUID(ctx, req.AuditUUID)
		if err != nil {
			return nil, err
		}
		return GetAuditScopeReply{Scope: audit.Scope}, nil
	})

	s.MustRegister("get_data_model_info", func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var req GetDataModelInfoArgs
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, core.NewPermanentError("invalid get_data_model_info arguments", err).
				WithCode(core.ErrCodeValidation)
		}
		current, err := models.GetModel(req.DataModelType)
		if err != nil {
			return nil, err
		}
		if req.AuditUUID != "" {
			audit, err := store.GetAuditByUUID(ctx, req.AuditUUID)
			if err != nil {
				return nil, err
			}
			current, err = model.BuildScopedModel(current, audit.Scope)
			if err != nil {
				return nil, err
			}
		}
		return buildModelView(req.DataModelType, current), nil
	})
}

func buildModelView(dataModelType string, m *model.Model) *ModelView {
	return &ModelView{
		DataModelType:  dataModelType,
		Info:           m.Info(),
		ComputeNodes:   m.ComputeNodes(),
		Instances:      m.Instances(),
		StorageNodes:   m.StorageNodes(),
		Pools:          poolsOf(m),
		Volumes:        volumesOf(m),
		BareMetalNodes: m.BareMetalNodes(),
	}
}

func poolsOf(m *model.Model) []*model.Pool {
	var pools []*model.Pool
	for _, node := range m.StorageNodes() {
		pools = append(pools, m.PoolsOnStorageNode(node.UUID)...)
	}
	return pools
}

func volumesOf(m *model.Model) []*model.Volume {
	var volumes []*model.Volume
	for _, node := range m.StorageNodes() {
		for _, pool := range m.PoolsOnStorageNode(node.UUID) {
			volumes = append(volumes, m.VolumesOnPool(pool.Name)...)
		}
	}
	return volumes
}
