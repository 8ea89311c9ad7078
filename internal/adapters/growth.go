package adapters

import (
	"context"
	"fmt"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/validation"
)

const (
	CategoryContent   = "content"
	CategoryMarketing = "marketing"
)

// Publishing channels.
const (
	ChannelBlog  = "blog"
	ChannelTweet = "tweet"
	ChannelEmail = "email"
)

// PublishRequest publishes one piece of content. Budget is any paid
// promotion attached to it.
type PublishRequest struct {
	Channel  string
	Title    string
	Body     string
	Audience int
	Budget   float64
	Urgency  autonomy.Urgency
}

// Growth adapts content and marketing operations. Posts can be taken down;
// an email that has been sent cannot.
type Growth struct {
	router Router
}

// NewGrowth creates a growth adapter that submits through r.
func NewGrowth(r Router) *Growth {
	return &Growth{router: r}
}

func (g *Growth) Name() string { return "growth" }

func (g *Growth) Categories() []string { return []string{CategoryContent, CategoryMarketing} }

// PublishAction builds the action for req without submitting it.
func (g *Growth) PublishAction(req PublishRequest) (*autonomy.Action, error) {
	if err := validation.Validate(
		validation.OneOf("channel", req.Channel, ChannelBlog, ChannelTweet, ChannelEmail),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 300),
		validation.MaxLength("body", req.Body, validation.MaxStringLength),
	); err != nil {
		return nil, err
	}
	if req.Budget < 0 {
		return nil, validation.Errors{{Field: "budget", Message: "must not be negative"}}
	}
	if req.Audience < 0 {
		return nil, validation.Errors{{Field: "audience", Message: "must not be negative"}}
	}

	spec := actionSpec{
		engine:     g.Name(),
		category:   CategoryContent,
		value:      req.Budget,
		reversible: true,
		urgency:    req.Urgency,
		params: map[string]any{
			"channel":  req.Channel,
			"title":    validation.SanitizeString(req.Title, 300),
			"audience": req.Audience,
		},
	}
	switch req.Channel {
	case ChannelBlog:
		spec.typ = "publish_blog"
		spec.description = fmt.Sprintf("Publish blog post %q", req.Title)
	case ChannelTweet:
		spec.typ = "publish_tweet"
		spec.description = fmt.Sprintf("Post tweet %q", req.Title)
	case ChannelEmail:
		spec.category = CategoryMarketing
		spec.typ = "send_email_campaign"
		spec.reversible = false
		spec.description = fmt.Sprintf("Send email campaign %q to %d recipients", req.Title, req.Audience)
	}
	return spec.build(), nil
}

// Publish builds and submits a publish request.
func (g *Growth) Publish(ctx context.Context, req PublishRequest) (*autonomy.Decision, error) {
	action, err := g.PublishAction(req)
	return submit(ctx, g.router, action, err)
}
