package tools

// HintContext provides context for generating helpful hints
type HintContext struct {
	Query          string // The original query
	ProcessedQuery string // The query after limit/format normalization (if different)
}

// EmptyResultHints contains hints for debugging empty results
type EmptyResultHints struct {
	Summary          string     `json:"summary"`
	PossibleCauses   []string   `json:"possibleCauses"`
	SuggestedActions []string   `json:"suggestedActions"`
	Debug            *DebugInfo `json:"debug,omitempty"`
}

// DebugInfo contains debugging information about the query
type DebugInfo struct {
	ProcessedQuery string `json:"processedQuery,omitempty"`
}

// generateEmptyResultHints creates helpful hints when a query returns no rows
func generateEmptyResultHints(ctx HintContext) *EmptyResultHints {
	hints := &EmptyResultHints{
		Summary: "The ClickHouse query returned no rows for the specified parameters.",
		PossibleCauses: []string{
			"The WHERE clause filters may not match any rows",
			"The table or column names may be incorrect",
			"The table may be empty",
		},
		SuggestedActions: []string{
			"Use list_schemas to verify the table exists",
			"Use preview_table to check the table's columns and contents",
			"Try removing WHERE clause filters to see if the table contains data",
		},
	}

	if ctx.ProcessedQuery != "" && ctx.ProcessedQuery != ctx.Query {
		hints.Debug = &DebugInfo{ProcessedQuery: ctx.ProcessedQuery}
	}

	return hints
}
