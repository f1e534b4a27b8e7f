package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for scheduler observability spans and metrics.
var (
	AttrCompletionID = attribute.Key("reploop.completion_id")
	AttrCallID       = attribute.Key("reploop.call_id")
	AttrDepth        = attribute.Key("reploop.depth")

	AttrTokensInput  = attribute.Key("reploop.tokens.input")
	AttrTokensOutput = attribute.Key("reploop.tokens.output")

	AttrBridgeMethod   = attribute.Key("reploop.bridge.method")
	AttrWarningCode    = attribute.Key("reploop.warning.code")
	AttrBudgetResource = attribute.Key("reploop.budget.resource")
)
