package db

import "time"

const timeLayout = time.RFC3339Nano

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZero(value int) interface{} {
	if value == 0 {
		return nil
	}
	return value
}

func formatTimePtr(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return formatTime(value)
}
