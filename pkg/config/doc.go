/*
Package config loads the farmhand worker agent configuration.

Configuration is assembled from three layers in increasing precedence:

 1. the YAML config file (/etc/farmhand/config.yaml by default)
 2. FARMHAND_* environment variables
 3. command line flags (applied by the CLI layer)

The farm ID, fleet ID, and service endpoint are required; everything
else has working defaults.
*/
package config
