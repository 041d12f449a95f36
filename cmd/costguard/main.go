// Costguard enforces LLM spend budgets and routes calls to cheaper models
// as budgets fill.
//
// It evaluates proposed model calls against a pricing table and a set of
// budget and routing policies, keeps a usage ledger per budget scope, and
// answers allow, throttle, downgrade, or block for every call.
//
// Usage:
//
//	# Serve the HTTP API with default configuration
//	costguard serve
//
//	# Serve with a configuration file
//	costguard serve --config /etc/costguard/costguard.yaml
//
//	# Check pricing and policy files
//	costguard validate --pricing pricing.yaml --policies policies/
//
//	# Replay a scenario of calls against the policies
//	costguard replay scenario.yaml
//
//	# Show version information
//	costguard version
package main

func main() {
	Execute()
}
