package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/gateway"
)

var errInvalidBody = errors.New("invalid request body")

var validate = validator.New(validator.WithRequiredStructEnabled())

// PredictRequest is exactly one of Single or Batch
type PredictRequest struct {
	Single *api.SingleRequest
	Batch  *api.BatchRequest
}

// decodePredictRequest picks the shape by the presence of a "batch" key
func decodePredictRequest(body []byte) (PredictRequest, error) {
	if !gjson.ValidBytes(body) {
		return PredictRequest{}, fmt.Errorf("%w: malformed JSON", errInvalidBody)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return PredictRequest{}, fmt.Errorf("%w: expected a JSON object", errInvalidBody)
	}

	if parsed.Get("batch").Exists() {
		var req api.BatchRequest
		if err := decodeAndValidate(body, &req); err != nil {
			return PredictRequest{}, err
		}
		return PredictRequest{Batch: &req}, nil
	}

	var req api.SingleRequest
	if err := decodeAndValidate(body, &req); err != nil {
		return PredictRequest{}, err
	}
	return PredictRequest{Single: &req}, nil
}

func decodeAndValidate(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", errInvalidBody, err)
	}
	return nil
}

// ToBatch converts either shape into a gateway batch stamped with arrival
func (r PredictRequest) ToBatch(id string, arrival time.Time) gateway.PredictionBatch {
	var items []api.SingleRequest
	switch {
	case r.Batch != nil:
		items = r.Batch.Batch
	case r.Single != nil:
		items = []api.SingleRequest{*r.Single}
	}
	requests := lo.Map(items, func(item api.SingleRequest, _ int) gateway.PredictionRequest {
		return gateway.PredictionRequest{Prompt: lo.FromPtr(item.Dream), HighQuality: item.HighQuality}
	})
	return gateway.NewBatch(id, arrival, requests...)
}
