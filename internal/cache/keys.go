package cache

import "fmt"

func KeyETA(lineID, stopID, busID string) string {
	return fmt.Sprintf("eta:line:%s:stop:%s:bus:%s", lineID, stopID, busID)
}

// KeyLastCalc holds the time of the last ETA recalculation for a line
func KeyLastCalc(lineID string) string {
	return fmt.Sprintf("eta:last_calc:%s", lineID)
}

// KeyMotion holds the last speed/heading seen for a tracking session
func KeyMotion(sessionID string) string {
	return fmt.Sprintf("eta:motion:%s", sessionID)
}

// KeyLastArrivalStop holds the stop a session was last recorded arriving at
func KeyLastArrivalStop(sessionID string) string {
	return fmt.Sprintf("eta:last_stop:%s", sessionID)
}
