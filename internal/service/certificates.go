// certificates.go - LRU-кэш метаданных сертификатов донора с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable; реализует gateway.MetadataCache.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/bloodlink/internal/domain/model"
)

// Prometheus-метрики кэша сертификатов.
var (
	certCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bl_certificate_cache_hits_total",
		Help: "Общее количество попаданий в кэш метаданных сертификатов.",
	})
	certCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bl_certificate_cache_misses_total",
		Help: "Общее количество промахов кэша метаданных сертификатов.",
	})
)

// CertificateCache - кэш метаданных сертификатов по ID токена.
// Метаданные токена неизменны, кроме владельца: запись удаляется при передаче.
type CertificateCache struct {
	cache *expirable.LRU[uint64, *model.Certificate]
}

// NewCertificateCache создаёт кэш на maxSize записей с временем жизни ttl.
func NewCertificateCache(maxSize int, ttl time.Duration) *CertificateCache {
	return &CertificateCache{cache: expirable.NewLRU[uint64, *model.Certificate](maxSize, nil, ttl)}
}

// Get возвращает метаданные токена. Обновляет метрики hit/miss.
func (c *CertificateCache) Get(tokenID uint64) (*model.Certificate, bool) {
	cert, ok := c.cache.Get(tokenID)
	if ok {
		certCacheHitsTotal.Inc()
		return cert, true
	}
	certCacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись.
func (c *CertificateCache) Set(tokenID uint64, cert *model.Certificate) {
	c.cache.Add(tokenID, cert)
}

// Delete удаляет запись.
func (c *CertificateCache) Delete(tokenID uint64) {
	c.cache.Remove(tokenID)
}

// Purge удаляет все записи (смена пользователя сессии).
func (c *CertificateCache) Purge() {
	c.cache.Purge()
}

// Len возвращает число записей.
func (c *CertificateCache) Len() int {
	return c.cache.Len()
}
