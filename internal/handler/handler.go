// Package handler exposes the approval services over HTTP (echo) and gRPC.
package handler

import (
	"context"
	"slices"

	"github.com/pesio-ai/be-edu-approvals/internal/service"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles what the transports call into. Health is optional.
type Services struct {
	Engine        *service.ApprovalRoutingService
	Workflows     *service.WorkflowService
	Visibility    *service.VisibilityService
	Delegations   *service.DelegationService
	Notifications *service.NotificationDispatcher
	Analytics     *service.AnalyticsAggregator
	Directory     service.Directory
	AdminRoles    []string
	Health        Pinger
}

func (s Services) isAdmin(u *service.User) bool {
	return u != nil && slices.Contains(s.AdminRoles, u.Role)
}
