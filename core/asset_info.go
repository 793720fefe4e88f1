package core

import "errors"

var (
	ErrBaseAssetEmpty  = errors.New("empty base asset")
	ErrQuoteAssetEmpty = errors.New("empty quote asset")
)

// AssetInfo carries the per-pair trading filters a real adapter needs to
// format orders: price/size precision and the exchange's quantity bounds.
type AssetInfo struct {
	BaseAsset          string
	QuoteAsset         string
	MinPrice           float64
	MaxPrice           float64
	MinQuantity        float64
	MaxQuantity        float64
	StepSize           float64
	TickSize           float64
	QuotePrecision     int
	BaseAssetPrecision int
}

// NewAssetInfo creates an AssetInfo, validating the asset pair.
func NewAssetInfo(
	baseAsset string,
	quoteAsset string,
	minPrice float64,
	maxPrice float64,
	minQuantity float64,
	maxQuantity float64,
	stepSize float64,
	tickSize float64,
	quotePrecision int,
	baseAssetPrecision int,
) (AssetInfo, error) {
	assetInfo := AssetInfo{
		BaseAsset:          baseAsset,
		QuoteAsset:         quoteAsset,
		MinPrice:           minPrice,
		MaxPrice:           maxPrice,
		MinQuantity:        minQuantity,
		MaxQuantity:        maxQuantity,
		StepSize:           stepSize,
		TickSize:           tickSize,
		QuotePrecision:     quotePrecision,
		BaseAssetPrecision: baseAssetPrecision,
	}

	return assetInfo, assetInfo.validate()
}

func (a AssetInfo) validate() error {
	if len(a.BaseAsset) == 0 {
		return ErrBaseAssetEmpty
	}
	if len(a.QuoteAsset) == 0 {
		return ErrQuoteAssetEmpty
	}
	return nil
}
