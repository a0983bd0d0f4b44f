package action

import (
	"context"
	"time"

	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	actions repository.Repository[Action]
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		actions: repository.ProvideStore[Action](p.DB),
	}
}

type CreateInput struct {
	Name          string
	Type          Type
	PriceLamports int64
	EndpointURL   string
	RoundDuration time.Duration
	BurnMint      string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Action, error) {
	if in.PriceLamports <= 0 {
		return nil, errutil.ValidationFailed("price must be positive", nil)
	}

	switch in.Type {
	case TypeDirect:
		if in.EndpointURL == "" {
			return nil, errutil.ValidationFailed("direct action requires an endpoint url", nil)
		}
	case TypeLottery:
		if in.RoundDuration <= 0 {
			return nil, errutil.ValidationFailed("lottery action requires a round duration", nil)
		}
	case TypeSwap:
		if in.BurnMint == "" {
			return nil, errutil.ValidationFailed("swap action requires a burn mint", nil)
		}
	default:
		return nil, errutil.ValidationFailed("unknown action type", nil)
	}

	a := &Action{
		ID:            s.node.Generate().String(),
		Name:          in.Name,
		Type:          in.Type,
		PriceLamports: in.PriceLamports,
		EndpointURL:   in.EndpointURL,
		RoundDuration: in.RoundDuration,
		BurnMint:      in.BurnMint,
		Active:        true,
	}
	if err := s.actions.Create(ctx, a); err != nil {
		return nil, errutil.Internal("failed to create action", err)
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Action, error) {
	a, err := s.actions.FindOne(ctx, &Action{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to query action", err)
	}
	if a == nil {
		return nil, errutil.NotFound("action not found", nil)
	}
	return a, nil
}

// GetActive returns the action only if it is accepting new runs.
func (s *Service) GetActive(ctx context.Context, id string) (*Action, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, errutil.UnprocessableEntity("action is disabled", nil)
	}
	return a, nil
}

func (s *Service) List(ctx context.Context) ([]*Action, error) {
	return s.actions.Find(ctx, &Action{Active: true})
}
