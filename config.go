package labstor

import "github.com/sirupsen/logrus"

// Config configures a local engine. The engine never reads global or
// environment state itself; whoever constructs it supplies everything here.
type Config struct {
	// Path is the base directory. The chunk tree, the metadata index and
	// the array store all live under it.
	Path string
	// MinimumFreeGB refuses to open the engine when the base path's volume
	// has less free space than this. Zero disables the check.
	MinimumFreeGB uint
	// ArrayBufferSize caps each array's in-memory append buffer. When an
	// append fills the buffer to this size it is flushed before the next
	// entry is accepted. Zero means the default of 1000.
	ArrayBufferSize int
	// Logger is an optional structured logger. If nil, a default logger at
	// Info level is used.
	Logger *logrus.Logger
}

const defaultArrayBufferSize = 1000

func (c Config) withDefaults() Config {
	if c.ArrayBufferSize <= 0 {
		c.ArrayBufferSize = defaultArrayBufferSize
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetLevel(logrus.InfoLevel)
	}
	return c
}
