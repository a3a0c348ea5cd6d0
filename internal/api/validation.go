package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/craigderington/portswitch/pkg/types"
)

// Validator instance for request validation
var validate *validator.Validate

var targetNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

func init() {
	validate = validator.New()

	// Register custom validation functions
	validate.RegisterValidation("proxymode", validateProxyMode)
	validate.RegisterValidation("targetname", validateTargetName)
}

// validateProxyMode validates forwarding mode values
func validateProxyMode(fl validator.FieldLevel) bool {
	_, err := types.ParseMode(fl.Field().String())
	return err == nil
}

// validateTargetName validates saved target names
func validateTargetName(fl validator.FieldLevel) bool {
	return targetNamePattern.MatchString(fl.Field().String())
}

// ProxyRequest represents the validated request for configuring the proxy
type ProxyRequest struct {
	Enabled    bool       `json:"enabled"`
	ListenPort int        `json:"listenPort" validate:"required_if=Enabled true,omitempty,min=1,max=65535"`
	Mode       string     `json:"mode" validate:"omitempty,proxymode"`
	Target     *TargetReq `json:"target" validate:"required_if=Enabled true"`
}

// TargetReq represents a forward target in a validated request
type TargetReq struct {
	Host string `json:"host" validate:"required,hostname|ip_addr"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

// CreateTargetRequest represents the validated request for saving a named target
type CreateTargetRequest struct {
	Name string `json:"name" validate:"required,targetname"`
	Host string `json:"host" validate:"required,hostname|ip_addr"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

// UpdateTargetRequest represents the validated request for changing a saved target's address
type UpdateTargetRequest struct {
	Host string `json:"host" validate:"required,hostname|ip_addr"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`
}

// ActivateTargetRequest optionally overrides the listen port and mode when activating a target
type ActivateTargetRequest struct {
	ListenPort int    `json:"listenPort" validate:"omitempty,min=1,max=65535"`
	Mode       string `json:"mode" validate:"omitempty,proxymode"`
}

// ToConfig converts the request into a proxy configuration
func (r *ProxyRequest) ToConfig() types.ProxyConfig {
	if !r.Enabled {
		return types.Disabled()
	}

	mode, _ := types.ParseMode(r.Mode)
	return types.Enabled(uint16(r.ListenPort), r.Target.ToTarget()).WithMode(mode)
}

// ToTarget converts the request into a forward target
func (t *TargetReq) ToTarget() types.ForwardTarget {
	return types.ForwardTarget{Host: strings.TrimSpace(t.Host), Port: uint16(t.Port)}
}

// ValidationError represents a validation error response
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateRequest validates a struct and returns validation errors
func ValidateRequest(req interface{}) []ValidationError {
	if err := validate.Struct(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errors []ValidationError
			for _, e := range validationErrors {
				errors = append(errors, ValidationError{
					Field:   e.Field(),
					Message: formatValidationError(e),
				})
			}
			return errors
		}
	}
	return nil
}

// formatValidationError creates a human-readable error message from a validation error
func formatValidationError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()
	param := e.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when the proxy is enabled", field)
	case "min":
		if param == "1" {
			return fmt.Sprintf("%s must be at least 1", field)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "hostname|ip_addr":
		return fmt.Sprintf("%s must be a valid hostname or IP address", field)
	case "proxymode":
		return fmt.Sprintf("%s must be one of: tcp, http", field)
	case "targetname":
		return fmt.Sprintf("%s must start with a letter or digit and contain only letters, digits, '.', '_' or '-'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

// respondValidationErrors sends a validation error response using Server method
func (s *Server) respondValidationErrors(w http.ResponseWriter, errors []ValidationError) {
	s.ValidationError(w, "Validation failed", errors)
}

// decodeAndValidate decodes a JSON request body and validates it
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	// Decode request
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.BadRequest(w, "Invalid request body: "+err.Error())
		return false
	}

	// Validate request
	if errors := ValidateRequest(req); len(errors) > 0 {
		s.respondValidationErrors(w, errors)
		return false
	}

	return true
}
