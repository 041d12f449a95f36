// Package config loads and validates costguard configuration.
//
// Configuration is read from YAML, completed with defaults, optionally
// overridden from the environment, and validated as a whole:
//
//	cfg, err := config.LoadConfig("costguard.yaml")
//
//	_ = config.LoadDotEnv() // optional .env file
//	cfg, err := config.LoadConfigWithEnvOverrides("costguard.yaml")
//
// # Environment Variable Overrides
//
// Overrides follow the naming convention COSTGUARD_SECTION_FIELD:
//
//   - COSTGUARD_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - COSTGUARD_STORAGE_BACKEND overrides storage.backend
//   - COSTGUARD_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// EnvNames lists every supported variable.
//
// # Validation
//
// Validate collects every failing rule into a ValidationError so that a
// broken file is reported in one pass:
//
//	var ve config.ValidationError
//	if errors.As(err, &ve) {
//	    for _, fe := range ve.Errors {
//	        fmt.Println(fe.Field, fe.Message)
//	    }
//	}
//
// Budgets, routing policies, and prices are not part of this configuration.
// They live in the pricing and policy files named by the sources section
// and are reloaded by the engine at runtime.
package config
