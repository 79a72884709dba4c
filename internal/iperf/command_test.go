package iperf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		[]string{"-s", "-p", "5201", "-J"},
		ServerArgs(5201, false))

	assert.Equal(t,
		[]string{"-s", "-p", "5999", "-J", "-u"},
		ServerArgs(5999, true))
}

func TestClientArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		[]string{"-c", "10.0.0.5", "-p", "5201", "-P", "4", "-t", "30", "-J"},
		ClientArgs("10.0.0.5", 5201, 4, 30, false))

	assert.Equal(t,
		[]string{"-c", "192.168.1.10", "-p", "5201", "-P", "1", "-t", "10", "-J", "-u", "-b", "0"},
		ClientArgs("192.168.1.10", 5201, 1, 10, true))
}
