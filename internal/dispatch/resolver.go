package dispatch

import (
	"errors"
	"regexp"
	"strings"

	"github.com/foxzi/chatblast/internal/campaign"
)

// ErrEmptyMessage is returned when a recipient resolves to no message body
var ErrEmptyMessage = errors.New("empty message body")

var varPattern = regexp.MustCompile(`\{\{\s*[a-zA-Z0-9_.\-]+\s*\}\}`)

// Resolver produces the message body of one recipient. Resolution must be
// deterministic so a resumed run sends the same text.
type Resolver interface {
	Resolve(c *campaign.Campaign, r *campaign.ContactStatus) (string, error)
}

// ResolverFor returns the resolver used for a campaign type
func ResolverFor(t campaign.Type) Resolver {
	if t == campaign.TypeGroupBased {
		return StaticResolver{}
	}
	return TemplateResolver{}
}

// TemplateResolver renders the campaign template with the recipient's row
type TemplateResolver struct{}

func (TemplateResolver) Resolve(c *campaign.Campaign, r *campaign.ContactStatus) (string, error) {
	if r.Message != "" {
		return r.Message, nil
	}

	vars := mergeVariables(c.Variables, r.Variables)
	addBuiltins(vars, r)

	return render(c.MessageTemplate, vars)
}

// StaticResolver sends the same template to every group member, with only
// the built-in placeholders filled in
type StaticResolver struct{}

func (StaticResolver) Resolve(c *campaign.Campaign, r *campaign.ContactStatus) (string, error) {
	if r.Message != "" {
		return r.Message, nil
	}

	vars := make(map[string]string, 2)
	addBuiltins(vars, r)

	return render(c.MessageTemplate, vars)
}

func render(template string, vars map[string]string) (string, error) {
	body := strings.TrimSpace(renderTemplate(template, vars))
	if body == "" {
		return "", ErrEmptyMessage
	}
	return body, nil
}

func addBuiltins(vars map[string]string, r *campaign.ContactStatus) {
	vars["phone"] = r.Identifier
	if r.Name != "" {
		vars["name"] = r.Name
	}
}

// mergeVariables merges variable maps with priority: recipient > campaign
func mergeVariables(campaignVars, recipientVars map[string]string) map[string]string {
	result := make(map[string]string, len(campaignVars)+len(recipientVars)+2)

	for k, v := range campaignVars {
		result[k] = v
	}
	for k, v := range recipientVars {
		result[k] = v
	}

	return result
}

// renderTemplate substitutes {{variable}} patterns. Unknown variables are kept as is.
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
