package config

import (
	"fmt"
	"net"
	"net/url"

	validator "gopkg.in/go-playground/validator.v9"
)

// Error reports invalid configuration.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error for field.
func Errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return &Error{Field: verrs[0].Namespace(), Err: err}
		}
		return &Error{Err: err}
	}

	for i, ep := range c.Client.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return Errorf(fmt.Sprintf("client.endpoints[%d]", i), "%v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return Errorf(fmt.Sprintf("client.endpoints[%d]", i), "scheme must be ws or wss, got %q", u.Scheme)
		}
	}

	if c.Logging.Output.Type == "file" && c.Logging.Output.Path == "" {
		return Errorf("logging.output.path", "path is required for file output")
	}

	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return Errorf("cache.redis_url", "redis_url is required for the redis backend")
	}

	if c.Tracing.AgentAddr != "" && c.Tracing.CollectorURL != "" {
		return Errorf("tracing", "agent_addr and collector_url are mutually exclusive")
	}
	if c.Tracing.AgentAddr != "" {
		if _, _, err := net.SplitHostPort(c.Tracing.AgentAddr); err != nil {
			return Errorf("tracing.agent_addr", "%v", err)
		}
	}

	if c.Auth != nil {
		sources := 0
		for _, set := range []bool{c.Auth.Secret != "", c.Auth.JWKSURL != "", c.Auth.Discovery} {
			if set {
				sources++
			}
		}
		if sources != 1 {
			return Errorf("auth", "exactly one of secret, jwks_url and discovery must be set")
		}
		if c.Auth.Discovery && c.Auth.Issuer == "" {
			return Errorf("auth.issuer", "discovery requires an issuer")
		}
	}

	names := make(map[string]string)
	claim := func(name, owner string) error {
		if prev, dup := names[name]; dup {
			return Errorf(owner, "name %q already used by %s", name, prev)
		}
		names[name] = owner
		return nil
	}

	for i, m := range c.RPCs.Methods {
		field := fmt.Sprintf("rpcs.methods[%d]", i)
		if err := claim(m.Method, field); err != nil {
			return err
		}
		for _, a := range m.Aliases {
			if err := claim(a, field); err != nil {
				return err
			}
		}
		if err := validateParams(field, m.Params); err != nil {
			return err
		}
		if m.Response != nil && m.Response.Replace != nil && m.Response.Field != "" {
			return Errorf(field+".response", "replace and field are mutually exclusive")
		}
	}

	for i, s := range c.RPCs.Subscriptions {
		field := fmt.Sprintf("rpcs.subscriptions[%d]", i)
		if err := claim(s.Subscribe, field); err != nil {
			return err
		}
		if err := claim(s.Unsubscribe, field); err != nil {
			return err
		}
		for _, a := range s.Aliases {
			if err := claim(a, field); err != nil {
				return err
			}
		}
		if err := validateParams(field, s.Params); err != nil {
			return err
		}
	}

	return nil
}

// validateParams requires optional params to trail required ones and allows
// at most one block tag param.
func validateParams(field string, params []ParamConfig) error {
	optional := false
	blockTags := 0
	for i, p := range params {
		if p.Optional {
			optional = true
		} else if optional {
			return Errorf(fmt.Sprintf("%s.params[%d]", field, i), "required param %q follows an optional param", p.Name)
		}
		if p.BlockTag {
			blockTags++
		}
	}
	if blockTags > 1 {
		return Errorf(field+".params", "at most one param may be a block tag")
	}
	return nil
}
