package orchestrator

import (
	"regexp"
	"strings"

	"familyhub/internal/models"
)

type route struct {
	agent     models.AgentType
	adminOnly bool
	pattern   *regexp.Regexp
}

// keywordPattern matches any phrase as whole words on lowercase text
func keywordPattern(phrases ...string) *regexp.Regexp {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(`\b(` + strings.Join(quoted, "|") + `)\b`)
}

// routes are checked in order; the first match wins. Security keywords only
// count for admins, so a non-admin asking about security falls through.
var routes = []route{
	{agent: models.AgentFamily, pattern: keywordPattern(
		"family", "families", "kid", "kids", "child", "children", "parent", "parents",
		"chore", "chores", "household", "allowance", "grandma", "grandpa", "invite",
	)},
	{agent: models.AgentWorkspace, pattern: keywordPattern(
		"workspace", "document", "documents", "project", "projects", "meeting", "meetings",
		"spreadsheet", "presentation", "deadline", "team", "report",
	)},
	{agent: models.AgentCommerce, pattern: keywordPattern(
		"buy", "shop", "shopping", "purchase", "order", "orders", "price", "prices",
		"store", "cart", "checkout", "theme", "themes", "product", "products", "refund",
	)},
	{agent: models.AgentSecurity, adminOnly: true, pattern: keywordPattern(
		"security", "secure", "vulnerability", "vulnerabilities", "breach", "audit",
		"firewall", "password policy", "access log", "access logs", "threat", "malware",
	)},
	{agent: models.AgentVoice, pattern: keywordPattern(
		"voice", "speak", "speech", "say it", "read aloud", "read it aloud", "microphone", "call me",
	)},
}

// Route picks the agent for text. Matching is case-insensitive on whole
// words or phrases; personal is the fallback.
func Route(text string, isAdmin bool) models.AgentType {
	lower := strings.ToLower(text)
	for _, r := range routes {
		if r.adminOnly && !isAdmin {
			continue
		}
		if r.pattern.MatchString(lower) {
			return r.agent
		}
	}
	return models.AgentPersonal
}

// RouteRequest routes text on behalf of user
func RouteRequest(text string, user *models.UserContext) models.AgentType {
	return Route(text, user.IsAdmin())
}
