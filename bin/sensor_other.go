//go:build !linux

package bin

import "errors"

func openSensor(SensorConfig) (sensor, error) {
	return nil, errors.New("bin sensor requires linux gpiochip support")
}
