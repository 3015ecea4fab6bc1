package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/supabase-compliance/internal/domain/ai"
)

const (
	maxDetails  = 1000
	maxEvidence = 200
)

// GetSystemPrompt returns the advisor persona, narrowed to the check type.
func GetSystemPrompt(checkType string) string {
	var b strings.Builder
	b.WriteString(`You are an expert on Supabase database security and compliance.
Your role is to help users understand and fix compliance issues with their Supabase projects.
Provide clear, accurate, and actionable advice. Be concise but thorough.`)

	switch checkType {
	case "mfa":
		b.WriteString(`
You specialize in Multi-Factor Authentication (MFA) for Supabase.
Focus on how MFA works in Supabase, how to enable and enforce it, and troubleshooting common issues.
Include code examples using the Supabase JS client or SQL when appropriate.`)
	case "rls":
		b.WriteString(`
You specialize in Row Level Security (RLS) for Supabase PostgreSQL databases.
Focus on how RLS works, how to write policies, common patterns, and debugging techniques.
Include SQL examples for creating and testing RLS policies.`)
	case "pitr":
		b.WriteString(`
You specialize in Point-in-Time Recovery (PITR) for Supabase.
Focus on how PITR works, WAL archiving, backup strategy, and recovery procedures.
Include instructions for enabling PITR through the Supabase dashboard or API.`)
	}
	return b.String()
}

// GetContextPrompt renders the check under discussion as markdown.
func GetContextPrompt(c ai.CheckContext) string {
	var b strings.Builder
	if c.ProjectName != "" {
		fmt.Fprintf(&b, "# Project: %s\n\n", c.ProjectName)
	}
	fmt.Fprintf(&b, "## %s Check\n", strings.ToUpper(c.CheckType))
	fmt.Fprintf(&b, "- Status: %s\n", c.Status)
	fmt.Fprintf(&b, "- Result: %s\n", resultLabel(c.Result))

	if c.Details != "" {
		fmt.Fprintf(&b, "- Technical Data:\n```json\n%s\n```\n", trim(c.Details, maxDetails, "... [truncated due to size]"))
	}

	if len(c.Evidence) > 0 {
		b.WriteString("\n### Evidence Logs\n")
		if c.EvidenceTotal > len(c.Evidence) {
			fmt.Fprintf(&b, "_Showing %d most important logs out of %d total_\n\n", len(c.Evidence), c.EvidenceTotal)
		}
		for i, e := range c.Evidence {
			fmt.Fprintf(&b, "%d. [%s] %s (%s)\n", i+1, strings.ToUpper(e.Severity),
				trim(e.Content, maxEvidence, "... [truncated]"), e.Timestamp.UTC().Format("2006-01-02 15:04:05"))
		}
	}
	return b.String()
}

func resultLabel(r *bool) string {
	switch {
	case r == nil:
		return "PENDING"
	case *r:
		return "PASSED"
	default:
		return "FAILED"
	}
}

func trim(s string, n int, suffix string) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + suffix
}
