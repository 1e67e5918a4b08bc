package core

import "math"

// RadioProfile describes the RF characteristics of a station's transceiver.
// The connectivity check is a free-space path-loss inversion, optionally
// bypassed by a fixed override range for deployments that want tight,
// predictable locality instead of the formula's generous output.
type RadioProfile struct {
	// TransmitPowerDBm is the effective radiated power.
	TransmitPowerDBm float64 `json:"transmit_power_dbm"`
	// ReceiverSensitivityDBm is the weakest receivable signal level.
	ReceiverSensitivityDBm float64 `json:"receiver_sensitivity_dbm"`
	// FrequencyGHz is the carrier frequency.
	FrequencyGHz float64 `json:"frequency_ghz"`
	// FilterDistanceM caps the formula-derived range.
	FilterDistanceM float64 `json:"filter_distance_m"`
	// RangeOverrideM, when positive, bypasses the path-loss formula
	// entirely. Default deployments set this to keep broadcasts local.
	RangeOverrideM float64 `json:"range_override_m,omitempty"`
}

// DefaultRadioProfile mirrors the 5.9 GHz ITS-G5 style defaults used by
// default station deployments.
func DefaultRadioProfile() RadioProfile {
	return RadioProfile{
		TransmitPowerDBm:       21.5,
		ReceiverSensitivityDBm: -99,
		FrequencyGHz:           5.9,
		FilterDistanceM:        500,
	}
}

// MaxRangeMeters inverts the free-space path-loss model to the maximum
// propagation distance in metres, capped at capM. Pure and deterministic:
// identical inputs always produce identical output.
//
//	FSPL = 20*log10(d_km) + 20*log10(f_MHz) + 32.44
func MaxRangeMeters(txPowerDBm, rxSensitivityDBm, freqGHz, capM float64) float64 {
	loss := math.Abs(txPowerDBm - rxSensitivityDBm)
	freqLoss := 20*math.Log10(freqGHz*1000) + 32.44
	distance := math.Pow(10, (loss-freqLoss)/20) * 1000
	return math.Min(distance, capM)
}

// MaxRange returns the profile's effective broadcast range in metres. The
// fixed override wins when set; otherwise the capped path-loss inversion.
func (p RadioProfile) MaxRange() float64 {
	if p.RangeOverrideM > 0 {
		return p.RangeOverrideM
	}
	return MaxRangeMeters(p.TransmitPowerDBm, p.ReceiverSensitivityDBm, p.FrequencyGHz, p.FilterDistanceM)
}
