package privacy

import "errors"

var (
	// ErrInvalidSetting is returned when a settings update carries an
	// unknown level, aggressiveness or a negative retention.
	ErrInvalidSetting = errors.New("invalid privacy setting")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")

	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")
)
