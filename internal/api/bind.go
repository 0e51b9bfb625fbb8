package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin/binding"
)

// strictJSON is binding.JSON that also rejects unknown fields, the same as
// hub frames. It is used per handler so the process-wide gin default stays
// untouched.
type strictJSON struct{}

func (strictJSON) Name() string { return "json" }

func (strictJSON) Bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		return err
	}
	if binding.Validator == nil {
		return nil
	}
	return binding.Validator.ValidateStruct(obj)
}
