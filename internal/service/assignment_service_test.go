package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-pipeline/internal/domain"
	"github.com/spec-kit/support-pipeline/internal/repository"
	"github.com/spec-kit/support-pipeline/pkg/util"
)

func newBalancer(agents *repository.MemoryAgentRepository) *AssignmentService {
	return NewAssignmentService(AssignmentDependencies{
		Agents:           agents,
		Logger:           zap.NewNop(),
		DefaultTicketCap: 8,
	})
}

func testOrg() *domain.Organization {
	return &domain.Organization{ID: "org-1", RoutingKey: "acme", AgentTicketCap: 2, Active: true}
}

func TestPickAndReserveSpreadsLoad(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	for _, id := range []string{"a", "b", "c"} {
		agents.Put(domain.Agent{ID: id, OrganizationID: "org-1", Active: true})
	}
	balancer := newBalancer(agents)

	picked := map[string]bool{}
	for i := 0; i < 3; i++ {
		agent, err := balancer.PickAndReserve(context.Background(), testOrg(), nil)
		require.NoError(t, err)
		assert.False(t, picked[agent.ID], "agent %s assigned twice before others got work", agent.ID)
		picked[agent.ID] = true
	}
	assert.Len(t, picked, 3)
}

func TestPickAndReservePrefersOldestAssignment(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-5 * time.Minute)
	agents.Put(domain.Agent{ID: "stale", OrganizationID: "org-1", Active: true, LastAssignedAt: &old})
	agents.Put(domain.Agent{ID: "fresh", OrganizationID: "org-1", Active: true, LastAssignedAt: &recent})

	agent, err := newBalancer(agents).PickAndReserve(context.Background(), testOrg(), nil)
	require.NoError(t, err)
	assert.Equal(t, "stale", agent.ID)
}

func TestPickAndReservePrefersCategoryCoverage(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	agents.Put(domain.Agent{ID: "generalist", OrganizationID: "org-1", Active: true})
	agents.Put(domain.Agent{ID: "specialist", OrganizationID: "org-1", Active: true, CategoryIDs: []string{"cat-net"}, CurrentTicketCount: 1})

	categoryID := "cat-net"
	agent, err := newBalancer(agents).PickAndReserve(context.Background(), testOrg(), &categoryID)
	require.NoError(t, err)
	// both cover the category (empty list covers everything); the less
	// loaded, never-assigned generalist wins
	assert.Equal(t, "generalist", agent.ID)
}

func TestPickAndReserveRespectsCapacity(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	agents.Put(domain.Agent{ID: "busy", OrganizationID: "org-1", Active: true, CurrentTicketCount: 2})

	_, err := newBalancer(agents).PickAndReserve(context.Background(), testOrg(), nil)
	require.ErrorIs(t, err, util.ErrNoEligibleAgent)
}

func TestPickAndReserveSkipsInactiveAndForeignAgents(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	agents.Put(domain.Agent{ID: "inactive", OrganizationID: "org-1", Active: false})
	agents.Put(domain.Agent{ID: "foreign", OrganizationID: "org-2", Active: true})

	_, err := newBalancer(agents).PickAndReserve(context.Background(), testOrg(), nil)
	require.ErrorIs(t, err, util.ErrNoEligibleAgent)
}

func TestReleaseUnknownAgentIsNoOp(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	require.NoError(t, newBalancer(agents).Release(context.Background(), "gone"))
}

func TestReserveIncrementsCounter(t *testing.T) {
	agents := repository.NewMemoryAgentRepository()
	agents.Put(domain.Agent{ID: "a", OrganizationID: "org-1", Active: true})
	balancer := newBalancer(agents)

	picked, err := balancer.PickAndReserve(context.Background(), testOrg(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, picked.CurrentTicketCount)

	stored, err := agents.GetByID(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentTicketCount)
	require.NotNil(t, stored.LastAssignedAt)
}
