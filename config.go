package nbd

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// TLSMode is the handle's TLS negotiation policy (spec §6).
type TLSMode string

const (
	TLSDisable TLSMode = "disable"
	TLSAllow   TLSMode = "allow"
	TLSRequire TLSMode = "require"
)

// Tri is a tri-state bool used by uri_allow_tls, where "unset" means
// "defer to the handle's TLS mode" rather than true or false.
type Tri int

const (
	TriUnset Tri = iota
	TriFalse
	TriTrue
)

// HandshakeFlag is a bit in the handshake_flags bitmask (spec §6).
type HandshakeFlag uint32

const (
	HandshakeFixedNewstyle HandshakeFlag = 1 << 0
	HandshakeNoZeroes      HandshakeFlag = 1 << 1
	handshakeFlagsAll                    = HandshakeFixedNewstyle | HandshakeNoZeroes
)

// StrictFlag is a bit in the strict-mode bitmask (spec §4.3.5).
type StrictFlag uint32

const (
	StrictZeroSize StrictFlag = 1 << iota
	StrictOneSize
	StrictBounds
	StrictAlign
	StrictFlags
	StrictCommands
	StrictPayload
	StrictAutoFlagQueries
	strictFlagsAll = StrictZeroSize | StrictOneSize | StrictBounds | StrictAlign |
		StrictFlags | StrictCommands | StrictPayload | StrictAutoFlagQueries
)

// StrictDefault matches upstream NBD clients: everything on except
// AUTO_FLAG_QUERIES, which changes observable behavior enough that
// callers must opt in explicitly.
const StrictDefault = StrictZeroSize | StrictOneSize | StrictBounds | StrictAlign |
	StrictFlags | StrictCommands | StrictPayload

// TransportKind is a bit in uri_allow_transports (spec §6).
type TransportKind uint32

const (
	TransportTCP TransportKind = 1 << iota
	TransportUnix
	TransportVSOCK
	transportKindAll = TransportTCP | TransportUnix | TransportVSOCK
)

// Config is the handle's configuration surface: the closed set of
// named toggles from spec §6. It is validated with struct tags rather
// than hand-written field checks, the way this codebase validates
// every config-shaped struct.
type Config struct {
	ExportName string `validate:"max=4096"`

	TLS             TLSMode `validate:"oneof=disable allow require"`
	TLSCertificates string  `validate:"omitempty,dir"`
	TLSPSKFile      string  `validate:"omitempty,file"`
	TLSUsername     string
	TLSVerifyPeer   bool

	HandshakeFlags HandshakeFlag `validate:"knownHandshakeFlags"`
	OptMode        bool
	FullInfo       bool

	RequestStructuredReplies bool
	RequestMetaContext       bool
	RequestBlockSize         bool
	PreadInitialize          bool

	MetaContexts []string `validate:"dive,max=4096"`

	Strict StrictFlag `validate:"knownStrictFlags"`

	URIAllowTransports TransportKind `validate:"knownTransportKinds"`
	URIAllowTLS        Tri
	URIAllowLocalFile  bool
}

// DefaultConfig returns the configuration a freshly created handle
// starts with: fixed-newstyle handshaking, structured replies and
// base:allocation requested, default strict mode, and TLS allowed but
// not required.
func DefaultConfig() Config {
	return Config{
		TLS:                      TLSAllow,
		HandshakeFlags:           HandshakeFixedNewstyle | HandshakeNoZeroes,
		RequestStructuredReplies: true,
		RequestMetaContext:       true,
		MetaContexts:             []string{"base:allocation"},
		RequestBlockSize:         true,
		PreadInitialize:          true,
		Strict:                   StrictDefault,
		URIAllowTransports:       transportKindAll,
		URIAllowTLS:              TriUnset,
	}
}

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

func getValidator() *validator.Validate {
	validatorOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		must(validate.RegisterValidation("knownHandshakeFlags", func(fl validator.FieldLevel) bool {
			return HandshakeFlag(fl.Field().Uint())&^handshakeFlagsAll == 0
		}))
		must(validate.RegisterValidation("knownStrictFlags", func(fl validator.FieldLevel) bool {
			return StrictFlag(fl.Field().Uint())&^strictFlagsAll == 0
		}))
		must(validate.RegisterValidation("knownTransportKinds", func(fl validator.FieldLevel) bool {
			return TransportKind(fl.Field().Uint())&^transportKindAll == 0
		}))
	})
	return validate
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// ConfigError wraps the first validation failure found in a Config,
// per §10.2's "rejected at Configure time ... never silently
// corrected".
type ConfigError struct {
	Field string
	Tag   string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("nbd: invalid configuration: field %q failed %q check", e.Field, e.Tag)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// Validate checks c against its struct tags, returning *ConfigError
// describing the first violation found.
func (c Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{Field: fe.Field(), Tag: fe.Tag(), Cause: err}
		}
		return &ConfigError{Cause: err}
	}
	return nil
}
