// Package config loads the Headcount YAML configuration.
//
// Values come from built-in defaults, the YAML file and HEADCOUNT_*
// environment variables, in that order. Secrets such as the MQTT password
// and the InfluxDB token are best kept in the environment.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	loc, err := cfg.Location()
package config
