package conflict

// builtinRules covers the productivity suite's entity kinds. Anything not
// listed here is server-authoritative via the unknown-type fallback in
// TryAutoResolve.
func builtinRules() []EntityRules {
	return []EntityRules{
		{
			EntityType: "task",
			FieldRules: map[string]Strategy{
				"title":       StrategyManual,
				"description": StrategyManual,
				"status":      StrategyServer,
				"priority":    StrategyServer,
				"dueDate":     StrategyLatest,
				"tags":        StrategyConcat,
				"completedAt": StrategyMax,
			},
			DefaultStrategy: StrategyServer,
		},
		{
			EntityType: "goal",
			FieldRules: map[string]Strategy{
				"title":        StrategyManual,
				"description":  StrategyManual,
				"status":       StrategyServer,
				"progress":     StrategyMax,
				"currentValue": StrategyMax,
				"targetValue":  StrategyServer,
			},
			DefaultStrategy: StrategyServer,
		},
		{
			EntityType: "note",
			FieldRules: map[string]Strategy{
				"title":   StrategyManual,
				"content": StrategyManual,
				"tags":    StrategyConcat,
				"pinned":  StrategyServer,
			},
			DefaultStrategy: StrategyServer,
		},
		{
			EntityType: "reminder",
			FieldRules: map[string]Strategy{
				"message":    StrategyServer,
				"remindAt":   StrategyLatest,
				"enabled":    StrategyServer,
				"repeatRule": StrategyServer,
			},
			DefaultStrategy: StrategyServer,
		},
		{
			EntityType: "setting",
			FieldRules: map[string]Strategy{
				"value": StrategyLatest,
			},
			DefaultStrategy: StrategyLatest,
		},
	}
}
