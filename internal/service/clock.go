package service

import "time"

func todayUTC() string {
	return time.Now().UTC().Format("2006-01-02")
}
