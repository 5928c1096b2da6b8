// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package config loads the LLM provider registry and hot-reloadable
runtime settings the gateway runs with.

# Overview

Provider entries (credentials, base URL, default model,
enabled/priority/weight, rate limit, timeout) are loaded at startup
from environment variables under the GATEWAY_PROVIDER_<NAME>_ prefix,
optionally layered with a YAML catalog file for static multi-provider
setups via LoadCatalogFile/MergeProviderConfigs. API key material may
be supplied directly or resolved from a secret ARN through a pluggable
SecretsManager (EnvSecretsManager by default, AWSSecretsManager as an
alternate backend).

# Environment Variable Convention

	GATEWAY_PROVIDER_ANTHROPIC_API_KEY=sk-...
	GATEWAY_PROVIDER_ANTHROPIC_DEFAULT_MODEL=claude-sonnet-4-20250514
	GATEWAY_PROVIDER_ANTHROPIC_PRIORITY=10
	GATEWAY_PROVIDER_ANTHROPIC_WEIGHT=1.0
	GATEWAY_PROVIDER_BEDROCK_REGION=us-east-1

# Runtime Config

RuntimeConfig holds feature flags and per-provider routing weight
overrides behind an atomic.Pointer snapshot: readers are wait-free,
writers (SetFeatureFlag, SetRoutingWeight, Replace) swap in a new
snapshot under a lock, mirroring the read-mostly pattern the provider
registry itself uses.

# Thread Safety

All exported types in this package are safe for concurrent use.
*/
package config
