package podlinesdk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChooseTransport(t *testing.T) {
	choose := func(baseURL, mode string) string {
		return ChooseTransport(New(baseURL), mode, time.Second, time.Second).Name()
	}

	// auto: sockets thrive on loopback, everything else gets the stream,
	// which survives buffering proxies
	assert.Equal(t, TransportSocket, choose("http://localhost:8787", ""))
	assert.Equal(t, TransportSocket, choose("http://127.0.0.1:8787", "auto"))
	assert.Equal(t, TransportStream, choose("https://podline.example.com", ""))
	assert.Equal(t, TransportStream, choose("https://podline.example.com", "auto"))

	// forced modes win regardless of host
	assert.Equal(t, TransportStream, choose("http://localhost:8787", TransportStream))
	assert.Equal(t, TransportSocket, choose("https://podline.example.com", TransportSocket))
}
