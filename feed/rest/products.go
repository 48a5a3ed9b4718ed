package rest

import "github.com/linluma/marketfeed/shared/models"

func mockProduct(base, quote, minSize, maxSize, increment, minFunds, maxFunds string) models.Product {
	return models.Product{
		ID:             base + "-" + quote,
		BaseCurrency:   base,
		QuoteCurrency:  quote,
		BaseMinSize:    minSize,
		BaseMaxSize:    maxSize,
		QuoteIncrement: increment,
		DisplayName:    base + "/" + quote,
		Status:         "online",
		MinMarketFunds: minFunds,
		MaxMarketFunds: maxFunds,
	}
}

// MockProducts is the product list served while the backend is unreachable
func MockProducts() []models.Product {
	return []models.Product{
		mockProduct("BTC", "USD", "0.001", "100", "0.01", "10", "1000000"),
		mockProduct("BTC", "USDT", "0.001", "100", "0.01", "10", "1000000"),
		mockProduct("ETH", "USD", "0.01", "1000", "0.01", "10", "1000000"),
		mockProduct("ETH", "USDT", "0.01", "1000", "0.01", "10", "1000000"),
		mockProduct("ETH", "BTC", "0.01", "1000", "0.00001", "0.001", "100"),
		mockProduct("LTC", "USD", "0.1", "10000", "0.01", "10", "1000000"),
	}
}
