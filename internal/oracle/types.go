package oracle

import (
	"encoding/json"
	"fmt"
	"strconv"

	fpmath "GratisLedger/internal/math"
)

// AssetOptionalPrice is one entry of an oracle response. Price is nil when
// the oracle has no fresh price for the asset.
type AssetOptionalPrice struct {
	AssetID string
	Price   *fpmath.Price
}

// PriceData is one oracle snapshot.
type PriceData struct {
	Timestamp          uint64
	RecencyDurationSec uint32
	Prices             []AssetOptionalPrice
}

// Wire form: integers wider than JSON numbers travel as decimal strings.
type wirePrice struct {
	Multiplier string `json:"multiplier"`
	Decimals   uint8  `json:"decimals"`
}

type wireAssetPrice struct {
	AssetID string     `json:"asset_id"`
	Price   *wirePrice `json:"price"`
}

type wirePriceData struct {
	Timestamp          string           `json:"timestamp"`
	RecencyDurationSec uint32           `json:"recency_duration_sec"`
	Prices             []wireAssetPrice `json:"prices"`
}

func (d PriceData) MarshalJSON() ([]byte, error) {
	w := wirePriceData{
		Timestamp:          strconv.FormatUint(d.Timestamp, 10),
		RecencyDurationSec: d.RecencyDurationSec,
		Prices:             make([]wireAssetPrice, 0, len(d.Prices)),
	}
	for _, p := range d.Prices {
		entry := wireAssetPrice{AssetID: p.AssetID}
		if p.Price != nil {
			entry.Price = &wirePrice{
				Multiplier: p.Price.Mantissa.Dec(),
				Decimals:   p.Price.Decimals,
			}
		}
		w.Prices = append(w.Prices, entry)
	}
	return json.Marshal(w)
}

func (d *PriceData) UnmarshalJSON(b []byte) error {
	var w wirePriceData
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	ts, err := strconv.ParseUint(w.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrInvalidOracleData, w.Timestamp)
	}

	out := PriceData{
		Timestamp:          ts,
		RecencyDurationSec: w.RecencyDurationSec,
		Prices:             make([]AssetOptionalPrice, 0, len(w.Prices)),
	}
	for _, p := range w.Prices {
		entry := AssetOptionalPrice{AssetID: p.AssetID}
		if p.Price != nil {
			mantissa, err := fpmath.ParseAmount(p.Price.Multiplier)
			if err != nil {
				return fmt.Errorf("%w: price for %s: %v", ErrInvalidOracleData, p.AssetID, err)
			}
			if mantissa.BitLen() > 128 {
				return fmt.Errorf("%w: multiplier for %s exceeds 128 bits", ErrInvalidOracleData, p.AssetID)
			}
			price := fpmath.Price{Decimals: p.Price.Decimals}
			price.Mantissa.Set(mantissa)
			entry.Price = &price
		}
		out.Prices = append(out.Prices, entry)
	}

	*d = out
	return nil
}

// PriceRequest asks the oracle for the listed assets. RequestID correlates
// the asynchronous answer with the pending refresh.
type PriceRequest struct {
	RequestID string   `json:"request_id"`
	AssetIDs  []string `json:"asset_ids"`
}
