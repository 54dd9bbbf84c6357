package screening

import (
	"context"

	"github.com/labflag/labflag/internal/platform/hl7v2"
)

// MLLPHandler screens each message received over MLLP and acknowledges the
// frame: AA when screening completed, AE when a range lookup failed. A frame
// carrying several MSH messages is split and each message is screened with
// its own patient context.
func (s *Service) MLLPHandler() hl7v2.MessageHandler {
	return func(ctx context.Context, msg *hl7v2.Message) *hl7v2.Message {
		for _, group := range hl7v2.Tokenize(msg.Group().String()) {
			controlID := group.ControlID()
			results, err := s.ScreenGroup(ctx, group)
			if err != nil {
				s.logger.Error().Err(err).Str("control_id", controlID).Msg("mllp screening failed")
				return hl7v2.GenerateACK(msg, hl7v2.AckError, "reference range lookup failed")
			}

			for _, r := range results {
				s.logger.Info().
					Str("control_id", controlID).
					Str("code", r.Code).
					Str("unit", r.Unit).
					Float64("value", r.Value).
					Str("metric", r.Metric.Name).
					Str("standard_range", r.StandardRange).
					Msg("abnormal result")
			}
		}
		return hl7v2.GenerateACK(msg, hl7v2.AckAccept, "")
	}
}
