package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"restline/internal/dispatch"
	"restline/internal/envelope"
	"restline/internal/partition"
)

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type resourcesOutput struct {
	Body struct {
		Resources []dispatch.ResourceInfo `json:"resources"`
	}
}

type ringInput struct {
	Key string `query:"key" doc:"Map this key to its partition and host"`
}

type ringTarget struct {
	Key       string         `json:"key"`
	Partition int            `json:"partition"`
	Host      partition.Host `json:"host"`
}

type ringOutput struct {
	Body struct {
		partition.View
		Target *ringTarget `json:"target,omitempty"`
	}
}

type hostHealth struct {
	HostID           string `json:"host_id"`
	Healthy          bool   `json:"healthy"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	LastCheck        string `json:"last_check,omitempty"`
}

type checkOutput struct {
	Body struct {
		Hosts []hostHealth `json:"hosts"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerResources(api huma.API, reg *dispatch.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List resources and their methods",
	}, func(ctx context.Context, _ *struct{}) (*resourcesOutput, error) {
		out := &resourcesOutput{}
		out.Body.Resources = dispatch.Catalog(reg)
		return out, nil
	})
}

func registerRing(api huma.API, table *partition.Table, monitor *partition.HealthMonitor) {
	huma.Register(api, huma.Operation{
		OperationID: "show-ring",
		Method:      http.MethodGet,
		Path:        "/ring",
		Summary:     "Show the partition snapshot",
	}, func(ctx context.Context, input *ringInput) (*ringOutput, error) {
		snap, err := loadSnapshot(table)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := &ringOutput{}
		out.Body.View = snap.View()
		if input.Key != "" {
			t, err := snap.MapKey(input.Key)
			if err != nil {
				return nil, handleError(ctx, err)
			}
			out.Body.Target = &ringTarget{Key: input.Key, Partition: t.Partition, Host: t.Host}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-ring",
		Method:      http.MethodPost,
		Path:        "/ring/check",
		Summary:     "Check every host now",
	}, func(ctx context.Context, _ *struct{}) (*checkOutput, error) {
		snap, err := loadSnapshot(table)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if monitor == nil {
			return nil, handleError(ctx, envelope.NotFound("health monitoring is not enabled"))
		}
		monitor.CheckAll(ctx)
		out := &checkOutput{}
		out.Body.Hosts = []hostHealth{}
		for _, h := range snap.AllHosts() {
			hh, ok := monitor.Health(h.ID)
			if !ok {
				continue
			}
			item := hostHealth{HostID: h.ID, Healthy: hh.Healthy, ConsecutiveFails: hh.ConsecutiveFails}
			if !hh.LastCheck.IsZero() {
				item.LastCheck = hh.LastCheck.UTC().Format(time.RFC3339)
			}
			out.Body.Hosts = append(out.Body.Hosts, item)
		}
		return out, nil
	})
}

func loadSnapshot(table *partition.Table) (*partition.Snapshot, error) {
	if table == nil || table.Load() == nil {
		return nil, envelope.NotFound("no cluster is configured")
	}
	return table.Load(), nil
}
