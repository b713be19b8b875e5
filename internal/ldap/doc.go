/*
Package ldap serves principals from an LDAP directory such as OpenLDAP or
Active Directory.

# Servers

Servers come from the configured ldap:// and ldaps:// URLs, tried in order.
Without URLs they are discovered from the SRV records of the configured
domain: _ldaps._tcp first, then _ldap._tcp and _gc._tcp. ldap:// servers
are upgraded with StartTLS unless TLS is disabled.

# Binding

Every pooled connection is bound as the service account, with a simple bind,
a Kerberos GSSAPI bind or anonymously. When auth_bind is set, credentials
are verified by binding as the principal on a pooled connection, which is
then re-bound as the service account.

# Mapping

Lookups render a filter template, replacing each "?" with the escaped value,
and search the subtree under base_dn. A lookup that matches more than one
entry is a malformed response. Attributes are mapped through the attribute
map; objectClass values select the principal kind:

	groupOfNames, groupOfUniqueNames, posixGroup, group -> group
	mailGroup, mailingList                           -> list
	nisMailAlias                                     -> alias
	anything else                                    -> individual

Binary objectGUID and objectSid ids are decoded to their string forms.
Group member DNs are resolved to member names; members that no longer exist
are skipped.
*/
package ldap
