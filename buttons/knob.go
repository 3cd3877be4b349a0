package buttons

// KnobConfig holds configuration for a rotary encoder.
type KnobConfig struct {
	Chip      string `yaml:"chip"`
	CLKPin    int    `yaml:"clk_pin"`
	DTPin     int    `yaml:"dt_pin"`
	ButtonPin int    `yaml:"button_pin"`
}

func (c KnobConfig) enabled() bool {
	return c.CLKPin != 0 || c.DTPin != 0
}

// quadrature decodes a two-line encoder; direction is read on CLK rising
// edges from the last level of DT.
type quadrature struct {
	lastDT int
}

// edge records a level change and returns +1 (CW), -1 (CCW) or 0.
func (q *quadrature) edge(clk bool, level int) int {
	if !clk {
		q.lastDT = level
		return 0
	}
	if level != 1 {
		return 0
	}
	if q.lastDT == 0 {
		return 1
	}
	return -1
}
