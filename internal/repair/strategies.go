package repair

import "time"

// Strategy describes one repair invocation. Strategies are tried in order,
// least invasive first.
type Strategy struct {
	Name        string
	Description string
	// Suffix distinguishes this strategy's temp output beside the original.
	Suffix  string
	Timeout time.Duration
	// Args builds the ffmpeg arguments reading input and writing output.
	Args func(input, output string) []string
}

// DefaultStrategies returns container rebuild, error-tolerant recovery and
// full re-encode, in that order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{
			Name:        "remux",
			Description: "container rebuild",
			Suffix:      "remux",
			Timeout:     300 * time.Second,
			Args: func(in, out string) []string {
				return []string{"-y", "-v", "error", "-i", in, "-map", "0", "-c", "copy", out}
			},
		},
		{
			Name:        "recover",
			Description: "error-tolerant recovery",
			Suffix:      "recover",
			Timeout:     600 * time.Second,
			Args: func(in, out string) []string {
				return []string{
					"-y", "-v", "error",
					"-err_detect", "ignore_err", "-fflags", "+discardcorrupt+genpts",
					"-i", in, "-map", "0", "-c", "copy", out,
				}
			},
		},
		{
			Name:        "reencode",
			Description: "full re-encode",
			Suffix:      "reencode",
			Timeout:     1800 * time.Second,
			Args: func(in, out string) []string {
				return []string{
					"-y", "-v", "error", "-i", in,
					"-map", "0:v?", "-map", "0:a?",
					"-c:v", "libx264", "-preset", "medium", "-crf", "20",
					"-c:a", "aac", "-b:a", "192k",
					out,
				}
			},
		},
	}
}
