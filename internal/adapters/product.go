package adapters

import (
	"context"
	"fmt"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/validation"
)

const (
	CategoryBuilds      = "builds"
	CategoryDeployments = "deployments"
)

// Deployment environments.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// BuildRequest runs a CI build.
type BuildRequest struct {
	Service string
	Ref     string
}

// DeployRequest ships a version of a service.
type DeployRequest struct {
	Service     string
	Version     string
	Environment string
	Urgency     autonomy.Urgency
}

// Product adapts build and deployment operations. Production deploys and
// rollbacks are irreversible and sit on the dangerous list, so they always
// reach a human.
type Product struct {
	router Router
}

// NewProduct creates a product adapter that submits through r.
func NewProduct(r Router) *Product {
	return &Product{router: r}
}

func (p *Product) Name() string { return "product" }

func (p *Product) Categories() []string { return []string{CategoryBuilds, CategoryDeployments} }

// BuildAction builds the action for req without submitting it.
func (p *Product) BuildAction(req BuildRequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.Required("service", req.Service),
		validation.Required("ref", req.Ref),
	); err != nil {
		return nil, err
	}
	return actionSpec{
		engine:      p.Name(),
		category:    CategoryBuilds,
		typ:         "run_build",
		description: fmt.Sprintf("Build %s at %s", req.Service, req.Ref),
		reversible:  true,
		urgency:     autonomy.UrgencyLow,
		params:      map[string]any{"service": req.Service, "ref": req.Ref},
	}.build(), nil
}

// Build builds and submits a CI build.
func (p *Product) Build(ctx context.Context, req BuildRequest) (*autonomy.Decision, error) {
	action, err := p.BuildAction(req)
	return submit(ctx, p.router, action, err)
}

// DeployAction builds the action for req without submitting it.
func (p *Product) DeployAction(req DeployRequest) (*autonomy.Action, error) {
	return p.deploymentAction("deploy", req)
}

// Deploy builds and submits a deployment.
func (p *Product) Deploy(ctx context.Context, req DeployRequest) (*autonomy.Decision, error) {
	action, err := p.DeployAction(req)
	return submit(ctx, p.router, action, err)
}

// RollbackAction builds the action that returns req.Service to req.Version.
func (p *Product) RollbackAction(req DeployRequest) (*autonomy.Action, error) {
	return p.deploymentAction("rollback", req)
}

// Rollback builds and submits a rollback.
func (p *Product) Rollback(ctx context.Context, req DeployRequest) (*autonomy.Decision, error) {
	action, err := p.RollbackAction(req)
	return submit(ctx, p.router, action, err)
}

func (p *Product) deploymentAction(verb string, req DeployRequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.Required("service", req.Service),
		validation.Required("version", req.Version),
		validation.OneOf("environment", req.Environment, EnvStaging, EnvProduction),
	); err != nil {
		return nil, err
	}
	return actionSpec{
		engine:      p.Name(),
		category:    CategoryDeployments,
		typ:         verb + "_" + req.Environment,
		description: fmt.Sprintf("%s %s %s to %s", verb, req.Service, req.Version, req.Environment),
		reversible:  req.Environment != EnvProduction,
		urgency:     req.Urgency,
		params: map[string]any{
			"service":     req.Service,
			"version":     req.Version,
			"environment": req.Environment,
		},
	}.build(), nil
}
